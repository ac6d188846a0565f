package bt

// Class of device masks.
const (
	majorMask  = 0x1F00
	deviceMask = 0x1FFC

	MajorAudioVideo = 0x0400
	MajorPeripheral = 0x0500
)

// Audio/video device classes eligible for automatic legacy PIN pairing.
const (
	ClassHeadset       = 0x0404
	ClassHandsfree     = 0x0408
	ClassHeadphones    = 0x0418
	ClassPortableAudio = 0x041C
	ClassCarAudio      = 0x0420
	ClassHiFiAudio     = 0x0428
)

// DeviceClass is the 24-bit class of device field.
type DeviceClass uint32

func (c DeviceClass) Major() uint32 { return uint32(c) & majorMask }

func (c DeviceClass) Device() uint32 { return uint32(c) & deviceMask }

// IsAudioSink reports whether the class names a headset-like device that
// typically uses a fixed legacy PIN.
func (c DeviceClass) IsAudioSink() bool {
	switch c.Device() {
	case ClassHeadset, ClassHandsfree, ClassHeadphones, ClassPortableAudio, ClassCarAudio, ClassHiFiAudio:
		return true
	}
	return false
}

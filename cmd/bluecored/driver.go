package main

import (
	"fmt"

	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/radio/sim"
	"github.com/user/bluecore/scenario"
)

// newDriver picks the radio backend. The simulated radio can be seeded
// with the peers of a scenario file.
func newDriver(name, adapterID, peersPath string) (radio.Driver, error) {
	if name != "sim" {
		return platformDriver(name, adapterID)
	}

	d := sim.New()
	if peersPath == "" {
		return d, nil
	}
	s, err := scenario.LoadScenario(peersPath)
	if err != nil {
		return nil, err
	}
	for _, pc := range s.Peers {
		p, err := pc.Peer()
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", pc.ID, err)
		}
		d.AddPeer(p)
	}
	return d, nil
}

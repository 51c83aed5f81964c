package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"safestream/pkg/discovery"
)

const discoverTimeout = 4 * time.Second

func discoverRelays(c *cli.Context) error {
	timeout := c.Duration("timeout")
	fmt.Printf("listening for relays on udp/%d for %s...\n", discovery.DiscoverPort, timeout)

	relays, err := discovery.Discover(timeout)
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		fmt.Println("no relays found")
		return nil
	}
	for _, r := range relays {
		fmt.Printf("%-20s %s\n", r.Name, r.SignalURL())
	}
	return nil
}

func printConfig(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(conf)
}

package relay

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/mavrelay/module"
)

const ConsoleUsage = `commands:
- vehicles                        list vehicles, * marks selected
- use <name>                      select vehicle for module commands
- links                           list links with mapped vehicles and counters
- link add <endpoint>             open link, map to selected vehicle if any
- link remove <endpoint>          close link and drop its mappings
- vehicle add <name> <source>     source is kind:address:port:system:component
- vehicle remove <name>
- module list|load <name>|unload <name>
- <module> <command> [args]       run module command for selected vehicle
`

var consoleCommands = []string{"help", "link", "links", "module", "use", "vehicle", "vehicles"}

// Console keeps selected vehicle and dispatches interactive command lines.
type Console struct {
	r *Relay

	mu      sync.Mutex
	current string
}

func NewConsole(r *Relay) *Console { return &Console{r: r} }

func (c *Console) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Console) setCurrent(name string) {
	c.mu.Lock()
	c.current = name
	c.mu.Unlock()
}

func (c *Console) Prompt() string {
	if cur := c.Current(); cur != "" {
		return "MAV " + cur + "> "
	}
	return "MAV> "
}

// Words returns completion candidates: console commands, module commands and vehicle names.
func (c *Console) Words() []string {
	result := append([]string(nil), consoleCommands...)
	if c.r.Modules != nil {
		result = append(result, c.r.Modules.Commands()...)
	}
	if c.r.Registry() != nil {
		result = append(result, c.r.Registry().List()...)
	}
	sort.Strings(result)
	return result
}

func (c *Console) Exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	reg := c.r.Registry()
	switch args[0] {
	case "help":
		c.r.Printf("", "%s", ConsoleUsage)
		return nil

	case "vehicles":
		cur := c.Current()
		for _, name := range reg.List() {
			s, err := reg.Get(name)
			if err != nil {
				continue // removed meanwhile
			}
			mark := " "
			if name == cur {
				mark = "*"
			}
			c.r.Printf("", "%s %s endpoints=%s", mark, s.Status().String(), strings.Join(c.r.Router.Endpoints(name), ","))
		}
		return nil

	case "use":
		if len(args) != 2 {
			return errors.NotValidf("usage: use <name>")
		}
		if _, err := reg.Get(args[1]); err != nil {
			return err
		}
		c.setCurrent(args[1])
		c.r.Printf("", "Using vehicle %s", args[1])
		return nil

	case "links":
		for _, li := range c.r.Router.Links() {
			stat := "-"
			if li.Stat != nil {
				stat = li.Stat.String()
			}
			c.r.Printf("", "%s connected=%t vehicles=%v %s", li.Name, li.Connected, li.Vehicles, stat)
		}
		return nil

	case "link":
		return c.link(ctx, args[1:])

	case "vehicle":
		return c.vehicle(args[1:])

	case "module":
		return c.module(ctx, args[1:])
	}

	cur := c.Current()
	if cur == "" {
		return errors.NotValidf("no vehicle selected, use <name>")
	}
	return c.r.Modules.Exec(ctx, cur, line)
}

func (c *Console) link(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.NotValidf("usage: link add|remove <endpoint>")
	}
	switch args[0] {
	case "add":
		if cur := c.Current(); cur != "" {
			if err := c.r.Registry().AddExtraLink(cur, args[1]); err != nil {
				return err
			}
			c.r.Printf(cur, "Link %s added", args[1])
			return nil
		}
		connected, err := c.r.Router.AddLink(ctx, args[1])
		if err != nil {
			return err
		}
		c.r.Printf("", "Link %s connected=%t", args[1], connected)
		return nil
	case "remove":
		if !c.r.Router.RemoveLink(args[1]) {
			return errors.NotFoundf("link=%s", args[1])
		}
		c.r.Printf("", "Link %s removed", args[1])
		return nil
	}
	return errors.NotValidf("link %s", args[0])
}

func (c *Console) vehicle(args []string) error {
	switch {
	case len(args) == 3 && args[0] == "add":
		spec, err := c.r.Config().SourceSpec(args[1], args[2])
		if err != nil {
			return err
		}
		if _, err = c.r.Registry().AddVehicle(spec); err != nil {
			return err
		}
		c.r.Printf("", "Vehicle %s added", args[1])
		return nil
	case len(args) == 2 && args[0] == "remove":
		if err := c.r.Registry().RemoveVehicle(args[1]); err != nil {
			return err
		}
		c.mu.Lock()
		if c.current == args[1] {
			c.current = ""
		}
		c.mu.Unlock()
		c.r.Printf("", "Vehicle %s removed", args[1])
		return nil
	}
	return errors.NotValidf("usage: vehicle add <name> <source> | vehicle remove <name>")
}

func (c *Console) module(ctx context.Context, args []string) error {
	switch {
	case len(args) == 1 && args[0] == "list":
		loaded := make(map[string]bool)
		for _, name := range c.r.Modules.Loaded() {
			loaded[name] = true
		}
		for _, name := range module.Available() {
			state := "available"
			if loaded[name] {
				state = "loaded"
			}
			c.r.Printf("", "%-12s %s", name, state)
		}
		return nil
	case len(args) == 2 && args[0] == "load":
		if err := c.r.Modules.Load(ctx, args[1]); err != nil {
			return err
		}
		c.r.Printf("", "Module %s loaded", args[1])
		return nil
	case len(args) == 2 && args[0] == "unload":
		if err := c.r.Modules.Unload(args[1]); err != nil {
			return err
		}
		c.r.Printf("", "Module %s unloaded", args[1])
		return nil
	}
	return errors.NotValidf("usage: module list|load <name>|unload <name>")
}

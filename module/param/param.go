// Package param is user interface to vehicle parameter table:
// download, status, show by glob, set, save and load snapshot.
package param

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/extremofile"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/module"
	"github.com/temoto/mavrelay/vehicle"
)

const Name = "param"

const snapshotPrefix = "params."

func init() {
	module.Register(Name, func() module.Module { return &Module{} })
}

type Module struct {
	host  module.Host
	log   *log2.Log
	alive *alive.Alive

	// zero means vehicle defaults
	Poll       time.Duration
	SetTimeout time.Duration
	SetRetries int
}

func (self *Module) Name() string { return Name }
func (self *Module) Commands() []string {
	return []string{"download", "load", "save", "set", "show", "status"}
}

func (self *Module) Start(ctx context.Context, h module.Host) error {
	self.host = h
	self.log = h.Log()
	self.alive = alive.NewAlive()
	return nil
}

// Stop cancels background downloads and waits.
func (self *Module) Stop() error {
	self.alive.Stop()
	self.alive.Wait()
	return nil
}

func (self *Module) Exec(ctx context.Context, vehicleName string, args []string) error {
	s, err := self.host.Registry().Get(vehicleName)
	if err != nil {
		return err
	}
	switch args[0] {
	case "download":
		return self.download(s)
	case "status":
		self.status(s)
		return nil
	case "show":
		if len(args) != 2 {
			return errors.NotValidf("usage: param show <glob>")
		}
		return self.show(s, args[1])
	case "set":
		if len(args) != 3 {
			return errors.NotValidf("usage: param set <name> <value>")
		}
		value, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return errors.NotValidf("param value=%s", args[2])
		}
		return self.set(s, args[1], value)
	case "save":
		return self.save(s)
	case "load":
		return self.load(s)
	}
	return errors.NotFoundf("param command=%s", args[0])
}

// goBackground runs f until done or module stop.
func (self *Module) goBackground(f func(ctx context.Context)) error {
	if !self.alive.Add(1) {
		return errors.Errorf("module=%s stopping", Name)
	}
	go func() {
		defer self.alive.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-self.alive.StopChan():
				cancel()
			case <-ctx.Done():
			}
		}()
		f(ctx)
	}()
	return nil
}

func (self *Module) download(s *vehicle.Session) error {
	return self.goBackground(func(ctx context.Context) {
		if err := s.DownloadParams(ctx, self.Poll); err != nil {
			self.host.Printf(s.Name(), "Param download failed: %v", err)
			return
		}
		params, _ := s.Params()
		self.host.Printf(s.Name(), "Got all (%d) params", len(params))
	})
}

func (self *Module) status(s *vehicle.Session) {
	p, ok := s.Progress()
	switch {
	case !ok:
		self.host.Printf(s.Name(), "Params not downloaded")
	case p.Complete:
		self.host.Printf(s.Name(), "Got all (%d) params", p.Total)
	default:
		self.host.Printf(s.Name(), "Downloaded %d of %d params", p.Seen, p.Total)
	}
}

func (self *Module) show(s *vehicle.Session, glob string) error {
	params, ok := s.Params()
	if !ok {
		self.host.Printf(s.Name(), "Params not downloaded")
		return nil
	}
	pattern := strings.ToUpper(glob)
	if _, err := path.Match(pattern, ""); err != nil {
		return errors.NotValidf("pattern=%s", glob)
	}
	found := false
	for _, name := range sortedNames(params) {
		if ok, _ := path.Match(pattern, name); ok {
			self.host.Printf(s.Name(), "%-16s %s", name, formatValue(params[name].Value))
			found = true
		}
	}
	if !found {
		self.host.Printf(s.Name(), "No param %s", glob)
	}
	return nil
}

func (self *Module) set(s *vehicle.Session, name string, value float64) error {
	name = strings.ToUpper(name)
	if _, ok := s.Params(); !ok {
		return errors.NotValidf("vehicle=%s params not downloaded", s.Name())
	}
	if _, ok := s.Param(name); !ok {
		return errors.NotFoundf("vehicle=%s param=%s", s.Name(), name)
	}
	return self.goBackground(func(ctx context.Context) {
		self.setOne(ctx, s, name, value)
	})
}

func (self *Module) setOne(ctx context.Context, s *vehicle.Session, name string, value float64) bool {
	if err := s.SetParam(ctx, name, value, self.SetTimeout, self.SetRetries); err != nil {
		self.host.Printf(s.Name(), "Param %s set failed: %v", name, err)
		return false
	}
	self.host.Printf(s.Name(), "Param %s set to %s", name, formatValue(value))
	return true
}

func (self *Module) storage(vehicleName string) interface {
	Read() ([]byte, error)
	Write([]byte) (int, error)
} {
	return extremofile.New(extremofile.Config{
		Dir:        filepath.Join(self.host.Config().SettingsDir, vehicleName),
		FilePrefix: snapshotPrefix,
	})
}

// save writes "NAME value" lines sorted by name.
func (self *Module) save(s *vehicle.Session) error {
	params, ok := s.Params()
	if !ok {
		return errors.NotValidf("vehicle=%s params not downloaded", s.Name())
	}
	var buf bytes.Buffer
	for _, name := range sortedNames(params) {
		fmt.Fprintf(&buf, "%-16s %s\n", name, formatValue(params[name].Value))
	}
	if _, err := self.storage(s.Name()).Write(buf.Bytes()); err != nil {
		return errors.Annotatef(err, "vehicle=%s params save", s.Name())
	}
	self.host.Printf(s.Name(), "%d params saved", len(params))
	return nil
}

// load sets every valid snapshot line in background, one at a time.
func (self *Module) load(s *vehicle.Session) error {
	params, ok := s.Params()
	if !ok {
		return errors.NotValidf("vehicle=%s params not downloaded", s.Name())
	}
	b, err := self.storage(s.Name()).Read()
	if err != nil {
		return errors.Annotatef(err, "vehicle=%s params load", s.Name())
	}
	if b == nil {
		return errors.NotFoundf("vehicle=%s params snapshot", s.Name())
	}

	type item struct {
		name  string
		value float64
	}
	var todo []item
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			self.host.Printf(s.Name(), "Param line not valid: %s", line)
			continue
		}
		name := strings.ToUpper(parts[0])
		if _, ok := params[name]; !ok {
			self.host.Printf(s.Name(), "Invalid param: %s", parts[0])
			continue
		}
		value, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			self.host.Printf(s.Name(), "Invalid param value: %s", parts[1])
			continue
		}
		todo = append(todo, item{name, value})
	}
	return self.goBackground(func(ctx context.Context) {
		n := 0
		for _, it := range todo {
			if ctx.Err() != nil {
				break
			}
			if self.setOne(ctx, s, it.name, it.value) {
				n++
			}
		}
		self.host.Printf(s.Name(), "%d params loaded", n)
	})
}

func sortedNames(params map[string]vehicle.Param) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatValue(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// Package relay wires router, vehicle registry and modules into running process.
package relay

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mavrelay/config"
	"github.com/temoto/mavrelay/helpers"
	"github.com/temoto/mavrelay/link"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/module"
	"github.com/temoto/mavrelay/registry"
	"github.com/temoto/mavrelay/router"
	"go.uber.org/multierr"

	// compiled-in modules
	_ "github.com/temoto/mavrelay/module/mode"
	_ "github.com/temoto/mavrelay/module/param"
	_ "github.com/temoto/mavrelay/module/telemetry"
)

const ContextKey = "run/relay"

type Relay struct {
	Alive   *alive.Alive
	Router  *router.Router
	Modules *module.Manager
	// test code sets Factory
	Factory link.Factory

	conf     *config.Config
	log      *log2.Log
	registry *registry.Registry

	outMu sync.Mutex
	out   io.Writer
}

var _ module.Host = &Relay{}

func GetRelay(ctx context.Context) *Relay {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if r, ok := v.(*Relay); ok {
		return r
	}
	panic(fmt.Sprintf("context['%s'] expected type *Relay actual=%#v", ContextKey, v))
}

// NewContext returns context carrying logger and fresh Relay. Printf text goes to out.
func NewContext(log *log2.Log, out io.Writer) (context.Context, *Relay) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	r := &Relay{
		Alive: alive.NewAlive(),
		log:   log,
		out:   out,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, r)
	return ctx, r
}

func (r *Relay) Log() *log2.Log               { return r.log }
func (r *Relay) Config() *config.Config       { return r.conf }
func (r *Relay) Registry() *registry.Registry { return r.registry }

func (r *Relay) Printf(vehicle string, format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	if vehicle != "" {
		s = vehicle + ": " + s
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if r.out == nil {
		r.log.Info(s)
		return
	}
	if err := helpers.WriteAll(r.out, []byte(s)); err != nil {
		r.log.Errorf("output err=%v", err)
	}
}

// If `Init` fails, consider `Relay` is in broken state.
// Failed modules and vehicles do not stop the rest from starting.
func (r *Relay) Init(ctx context.Context, cfg *config.Config) error {
	r.conf = cfg
	if cfg.LogDebug {
		r.log.SetLevel(log2.LDebug)
	}
	r.Modules = module.NewManager(r)
	r.registry = registry.New(registry.Options{
		Log:      r.log.Prefixed("registry: "),
		Listener: r.Modules,
		Connect: func(sink router.Sink) registry.Connector {
			r.Router = router.New(router.Options{
				Log:             r.log.Prefixed("router: "),
				Sink:            sink,
				Factory:         r.Factory,
				Dialect:         cfg.DialectOrDefault(),
				ReconnectPeriod: cfg.ReconnectPeriod(),
				ConnectTimeout:  cfg.ConnectTimeout(),
			})
			return r.Router
		},
	})

	errs := make([]error, 0)
	for _, name := range cfg.ModuleNames() {
		if err := r.Modules.Load(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}

	specs, err := cfg.VehicleSpecs(r.log)
	if err != nil {
		errs = append(errs, err)
	}
	for _, spec := range specs {
		if _, err := r.registry.AddVehicle(spec); err != nil {
			errs = append(errs, errors.Annotatef(err, "vehicle=%s", spec.Name))
		}
	}
	return helpers.FoldErrors(errs)
}

func (r *Relay) MustInit(ctx context.Context, cfg *config.Config) {
	err := r.Init(ctx, cfg)
	if err != nil {
		r.log.Fatal(errors.ErrorStack(err))
	}
}

func (r *Relay) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		r.log.Errorf(errors.ErrorStack(err))
	}
}

// Close unloads modules, stops vehicle sessions, then closes links.
func (r *Relay) Close() error {
	r.Alive.Stop()
	var err error
	if r.Modules != nil {
		err = multierr.Append(err, r.Modules.Close())
	}
	if r.registry != nil {
		err = multierr.Append(err, r.registry.Close())
	}
	if r.Router != nil {
		err = multierr.Append(err, r.Router.Close())
	}
	return err
}

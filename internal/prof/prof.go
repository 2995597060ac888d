package prof

import (
	"context"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/cardshare/internal/log"
	"github.com/keithlinneman/cardshare/internal/version"
	"github.com/keithlinneman/cardshare/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string

	// sent on every push when set
	BasicAuthUser     string
	BasicAuthPassword string

	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int

	// OnActive drives the profiling_active gauge
	OnActive func(active bool)
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Tags labels every profile with the build it came from.
func Tags(app, component string, vi version.Info) map[string]string {
	t := map[string]string{
		"app":       app,
		"component": component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"source":    "go-agent",
	}
	if vi.BuildId != "" {
		t["build_id"] = vi.BuildId
	}
	return t
}

func (o Options) config() pyroscope.Config {
	return pyroscope.Config{
		ApplicationName:   o.AppName,
		ServerAddress:     o.ServerAddress,
		BasicAuthUser:     o.BasicAuthUser,
		BasicAuthPassword: o.BasicAuthPassword,
		TenantID:          o.TenantID,
		Tags:              o.Tags,
		ProfileTypes:      profileTypes,
	}
}

func (o Options) setActive(b bool) {
	if o.OnActive != nil {
		o.OnActive(b)
	}
}

// Start pushes continuous profiles to pyroscope until the returned stop func
// runs. stop is never nil and may be called any number of times.
func Start(ctx context.Context, o Options) (stop func(), err error) {
	L := log.FromContext(ctx).With("pyro_server", o.ServerAddress, "app_name", o.AppName)
	o.setActive(false)

	switch {
	case !o.Enabled:
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	case o.ServerAddress == "":
		return func() {}, xerrors.New("pyroscope enabled without a server address")
	}

	if o.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(o.ProfileMutexFraction)
	}
	if o.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(o.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(o.config())
	if err != nil {
		return func() {}, xerrors.Wrap(err, "pyroscope start")
	}
	L.Info(ctx, "pyroscope started", "tenant", o.TenantID)
	o.setActive(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = profiler.Stop()
			o.setActive(false)
			L.Info(context.Background(), "pyroscope stopped")
		})
	}, nil
}

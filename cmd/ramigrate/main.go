package main

import (
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
)

// CLI is the top-level command set. profile selects one of pkg/profile's
// modes or fgprof; an empty string (the default) disables profiling entirely.
type CLI struct {
	Profile string `help:"enable profiling: cpu, mem, block, trace, or fgprof" enum:",cpu,mem,block,trace,fgprof" default:""`

	Demo DemoCmd `cmd:"" help:"Run an in-process pre-copy migration between a synthetic sender and receiver."`
}

func startProfile(mode string) func() {
	switch mode {
	case "cpu":
		return profile.Start(profile.CPUProfile).Stop
	case "mem":
		return profile.Start(profile.MemProfile).Stop
	case "block":
		return profile.Start(profile.BlockProfile).Stop
	case "trace":
		return profile.Start(profile.TraceProfile).Stop
	case "fgprof":
		f, err := os.Create("ramigrate.fgprof")
		if err != nil {
			log.Printf("fgprof: %v", err)

			return func() {}
		}

		stop := fgprof.Start(f, fgprof.FormatPprof)

		return func() {
			_ = stop()
			_ = f.Close()
		}
	default:
		return func() {}
	}
}

func main() {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("ramigrate"),
		kong.Description("ramigrate demonstrates iterative pre-copy RAM migration with XBZRLE delta compression"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	stop := startProfile(c.Profile)
	defer stop()

	if err := ctx.Run(); err != nil {
		log.Fatal(err)
	}
}

package main

// ccexp runs one congestion-control experiment over the dumbbell and leaves its
// measurements in a timestamped directory under simulations/

import (
	"log"
	"os"

	"github.com/iti/cmdline"
	"github.com/iti/dumbbell"
)

// cmdlineParams defines the parameters recognized on the command line
func cmdlineParams() *cmdline.CmdParser {
	cp := cmdline.NewCmdParser()
	cp.AddFlag(cmdline.StringFlag, "protocol", false) // one of tcp, dctcp, mixed
	cp.AddFlag(cmdline.FloatFlag, "stoptime", false)  // virtual seconds to run
	cp.AddFlag(cmdline.StringFlag, "filename", false) // tag naming the output directory, defaults to the protocol
	return cp
}

func main() {
	os.Setenv("TZ", "America/Chicago")

	cp := cmdlineParams()
	cp.Parse()

	xc := dumbbell.DefaultExpCfg()
	if cp.IsLoaded("protocol") {
		xc.Protocol = cp.GetVar("protocol").(string)
	}
	if cp.IsLoaded("stoptime") {
		xc.StopTime = cp.GetVar("stoptime").(float64)
	}
	xc.SimName = xc.Protocol
	if cp.IsLoaded("filename") {
		xc.SimName = cp.GetVar("filename").(string)
	}

	if _, err := dumbbell.RunExperiment(xc, os.Stdout); err != nil {
		log.Printf("experiment %s failed: %v", xc.Name(), err)
		os.Exit(1)
	}
}

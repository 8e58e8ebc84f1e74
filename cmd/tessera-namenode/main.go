package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.tessera.dev/core/mainboilerplate"
	"go.tessera.dev/core/namenode/checkpoint"
	"go.tessera.dev/core/namenode/journal"
	"go.tessera.dev/core/namenode/namespace"
)

const iniFilename = "tessera.ini"

// Config is the top-level configuration object of the namenode.
var Config = new(struct {
	NameNode checkpoint.Config `group:"NameNode" namespace:"namenode" env-namespace:"NAMENODE"`
	Log      mbp.LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func newEngine() (*checkpoint.Engine, *journal.FileJournal) {
	var ns = namespace.New()
	var j = &journal.FileJournal{LayoutVersion: checkpoint.CurrentLayoutVersion}

	var engine, err = checkpoint.NewEngine(Config.NameNode, ns, j, nil)
	mbp.Must(err, "building checkpoint engine")
	j.Set = engine.StorageSet()
	return engine, j
}

type cmdFormat struct{}

func (cmdFormat) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var engine, _ = newEngine()
	defer engine.Close()

	mbp.Must(engine.Format(), "formatting storage directories")
	log.Info("format complete")
	return nil
}

type cmdStart struct {
	Upgrade  bool `long:"upgrade" description:"Upgrade the storage layout before serving"`
	Rollback bool `long:"rollback" description:"Restore the pre-upgrade storage state"`
	Import   bool `long:"import" description:"Import an image from the configured checkpoint directories"`
	Finalize bool `long:"finalize" description:"Finalize a prior upgrade after starting"`
}

func (cmd cmdStart) Execute([]string) error {
	mbp.InitLog(Config.Log)
	log.WithField("config", Config).Info("starting namenode")

	var opt = checkpoint.StartRegular
	switch {
	case cmd.Upgrade:
		opt = checkpoint.StartUpgrade
	case cmd.Rollback:
		opt = checkpoint.StartRollback
	case cmd.Import:
		opt = checkpoint.StartImport
	}

	var engine, _ = newEngine()
	defer engine.Close()

	var needToSave, err = engine.RecoverTransitionRead(opt)
	mbp.Must(err, "recovering namespace state")
	log.WithFields(log.Fields{
		"needToSave":     needToSave,
		"checkpointTime": engine.CheckpointTime(),
		"namespaceID":    engine.Info().NamespaceID,
	}).Info("namespace recovered")

	if cmd.Finalize {
		mbp.Must(engine.FinalizeUpgrade(), "finalizing upgrade")
	}

	// Serve until signalled.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	var sig = <-signalCh
	log.WithField("signal", sig).Info("caught signal; shutting down")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("format", "Format storage directories", `
Format destroys all state of the configured storage directories and writes
a fresh, empty namespace.
`, &cmdFormat{})

	_, _ = parser.AddCommand("start", "Start the namenode", `
Start recovers the namespace from the configured storage directories and
serves it until signalled.
`, &cmdStart{})

	mbp.MustParseConfig(parser, iniFilename)
}

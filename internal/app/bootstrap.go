package app

import (
	"audiotasks/internal/battery"
	"audiotasks/internal/config"
	"audiotasks/internal/eventbus"
	"audiotasks/internal/storage"
	logx "audiotasks/pkg/logx"
)

// openStore returns nil when storage is disabled.
func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	if st != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}
	return st, nil
}

// newBattery always returns a monitor; without a signal it reports full
// speed and never polls.
func newBattery(cfg *config.Config, log logx.Logger, bus eventbus.Bus) (battery.Signal, *battery.Monitor, error) {
	bc, err := cfg.BatteryConfig()
	if err != nil {
		return nil, nil, err
	}
	sig, err := battery.Detect(cfg.Battery.Source, cfg.Battery.SysfsRoot, cfg.Battery.StaticLevel)
	if err != nil {
		return nil, nil, err
	}
	if sig == nil {
		log.Debug("no battery signal; throttling disabled", logx.String("source", cfg.Battery.Source))
	}
	mon := battery.NewMonitor(sig, bc,
		battery.WithLogger(log.Comp("battery")),
		battery.WithBus(bus),
	)
	return sig, mon, nil
}

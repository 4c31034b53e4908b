package config

import "runtime"

const (
	defaultConfigPath              = "~/.config/plotkeeper/config.toml"
	defaultLogDir                  = "~/.local/share/plotkeeper/logs"
	defaultStateDir                = "~/.local/state/plotkeeper"
	defaultSignalFile              = "activity.signal"
	defaultMinerConfigDir          = "miner"
	defaultArtifactDir             = "plotkeeper/plots"
	defaultLogRetentionDays        = 30
	defaultHistoryRuns             = 1000
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
	defaultAPIBind                 = "127.0.0.1:7489"
	defaultMinFreePercent          = 15
	defaultSmallDivisor            = 100
	defaultBigDivisor              = 10
	defaultUnitSize                = 262144
	defaultPoolCapacity            = 150 << 50 // 150 PiB
	defaultAverageArtifactCapacity = 60 << 30  // 60 GiB
	defaultDiskPollInterval        = 10
	defaultActivityPollInterval    = 5
	defaultIdleThreshold           = 5
	defaultIdlePollInterval        = 5
	defaultGenerationBinary        = "xplotter_avx"
	defaultGenerationMemoryGB      = 4
	defaultLogThrottleSeconds      = 10
	defaultRetryBackoffSeconds     = 30
	defaultRetryBackoffMaxSeconds  = 1800
	defaultExploitationBinary      = "scavenger"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			LogDir:   defaultLogDir,
			StateDir: defaultStateDir,
		},
		Devices: Devices{
			ArtifactDir: defaultArtifactDir,
			Hotplug:     true,
		},
		Capacity: Capacity{
			MinFreePercent:          defaultMinFreePercent,
			SmallDivisor:            defaultSmallDivisor,
			BigDivisor:              defaultBigDivisor,
			UnitSize:                defaultUnitSize,
			PoolCapacity:            defaultPoolCapacity,
			AverageArtifactCapacity: defaultAverageArtifactCapacity,
		},
		Monitor: Monitor{
			DiskPollInterval:     defaultDiskPollInterval,
			ActivityPollInterval: defaultActivityPollInterval,
			IdleThreshold:        defaultIdleThreshold,
			IdlePollInterval:     defaultIdlePollInterval,
		},
		Generation: Generation{
			Binary:                 defaultGenerationBinary,
			Threads:                runtime.NumCPU(),
			MemoryGB:               defaultGenerationMemoryGB,
			LogThrottleSeconds:     defaultLogThrottleSeconds,
			RetryBackoffSeconds:    defaultRetryBackoffSeconds,
			RetryBackoffMaxSeconds: defaultRetryBackoffMaxSeconds,
		},
		Exploitation: Exploitation{
			Binary: defaultExploitationBinary,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
			HistoryRuns:   defaultHistoryRuns,
		},
		API: API{
			Bind: defaultAPIBind,
		},
	}
}

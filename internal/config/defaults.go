package config

import (
	"runtime"

	"github.com/spf13/viper"
)

// PlatformDefaults returns platform-specific default values
type PlatformDefaults struct {
	LogFile    string
	ConfigPath string
	Watch      []string
}

// GetPlatformDefaults returns platform-specific defaults based on runtime.GOOS
func GetPlatformDefaults() PlatformDefaults {
	switch runtime.GOOS {
	case "windows":
		return PlatformDefaults{
			LogFile:    `C:\ProgramData\svcwatch\svcwatch.log`,
			ConfigPath: `C:\ProgramData\svcwatch\config.yaml`,
			Watch:      []string{"Spooler"},
		}
	case "linux":
		return PlatformDefaults{
			LogFile:    "/var/log/svcwatch/svcwatch.log",
			ConfigPath: "/etc/svcwatch/config.yaml",
			Watch:      []string{"sshd"},
		}
	default:
		// Fallback to Linux-like defaults for unknown platforms
		return PlatformDefaults{
			LogFile:    "/var/log/svcwatch/svcwatch.log",
			ConfigPath: "/usr/local/etc/svcwatch/config.yaml",
		}
	}
}

// GetDefaultConfigPath returns the platform-specific default config path
func GetDefaultConfigPath() string {
	return GetPlatformDefaults().ConfigPath
}

// applyPlatformDefaults sets the viper defaults that differ per platform
func applyPlatformDefaults(v *viper.Viper) {
	defaults := GetPlatformDefaults()

	v.SetDefault("logging.file", defaults.LogFile)
	v.SetDefault("services.watch", defaults.Watch)
}

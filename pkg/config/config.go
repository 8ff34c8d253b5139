package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".winwalk"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// MaxStackDepth is the default maximum number of frames printed by
	// the stack command.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`

	// DisableColors disables colored output even on terminals that
	// support it.
	DisableColors bool `yaml:"disable-colors"`

	// ModuleColor is the ANSI foreground color used for module names in
	// stack listings (3/4 bit color codes as defined here:
	// https://en.wikipedia.org/wiki/ANSI_escape_code#Colors).
	ModuleColor int `yaml:"module-color"`

	// ImageSearchPath is the list of directories searched for module
	// images when resolving function tables from files instead of
	// target memory.
	ImageSearchPath []string `yaml:"image-search-path"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for winwalk.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default subcommands.
# aliases:
#   stack:
#     - bt

# Uncomment the following line to change the maximum number of stack frames
# printed by the stack command.
# max-stack-depth: 64

# Uncomment to disable colored output unconditionally.
# disable-colors: true

# Uncomment the following line and set your preferred ANSI foreground color
# for module names in stack listings (if unset, default is 34, dark blue).
# See https://en.wikipedia.org/wiki/ANSI_escape_code#3/4_bit
# module-color: 34

# Directories searched for module images when reading function tables from
# files instead of target memory.
image-search-path:
  # - c:\symbols\images
`)
	return err
}

func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("WINWALK_HOME"); configPath != "" {
		return path.Join(configPath, file), nil
	}

	usr, err := user.Current()
	if err != nil {
		return "", err
	}

	return path.Join(usr.HomeDir, configDir, file), nil
}

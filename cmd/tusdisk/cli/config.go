package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/viper"
)

// configKeys maps the keys of the 'tus' section in the configuration file
// to the flags they provide a value for.
var configKeys = []struct {
	key  string
	flag string
	set  func(v *viper.Viper, key string)
}{
	{"storageDiskPath", "upload-dir", func(v *viper.Viper, key string) {
		Flags.UploadDir = v.GetString(key)
	}},
	{"maxRequestBodySize", "max-size", func(v *viper.Viper, key string) {
		Flags.MaxSize = v.GetInt64(key)
	}},
	{"enableExpiration", "enable-expiration", func(v *viper.Viper, key string) {
		Flags.EnableExpiration = v.GetBool(key)
	}},
	{"absoluteExpiration", "absolute-expiration", func(v *viper.Viper, key string) {
		Flags.AbsoluteExpiration = v.GetBool(key)
	}},
	{"expirationInSeconds", "expiration-seconds", func(v *viper.Viper, key string) {
		Flags.ExpirationSeconds = v.GetInt(key)
	}},
	{"deletePartialFilesOnConcat", "delete-partial-uploads-on-concat", func(v *viper.Viper, key string) {
		Flags.DeletePartialUploadsOnConcat = v.GetBool(key)
	}},
}

// loadConfigFile reads the 'tus' section of the file at path. Options whose
// flag is in explicit keep the value given on the command line or in the
// environment.
func loadConfigFile(path string, explicit map[string]bool) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	for _, c := range configKeys {
		key := "tus." + c.key
		if !v.IsSet(key) || explicit[c.flag] {
			continue
		}

		c.set(v, key)
		stdout.Printf("Using %s=%s from %s", c.key, strconv.Quote(v.GetString(key)), path)
	}

	return nil
}

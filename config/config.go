package config

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"seedbridge/log"
)

var (
	configFile = "config.json"
	config     Map
	once       sync.Once
)

type Map map[string]interface{}

// SetFile points the package at another config file. It must be called
// before the first lookup.
func SetFile(path string) {
	configFile = path
}

func Get(s string, defaultValue string) (string, bool) {
	once.Do(readConfig)
	return config.Get(s, defaultValue)
}

func GetBool(s string, defaultValue bool) (bool, bool) {
	once.Do(readConfig)
	return config.GetBool(s, defaultValue)
}

func GetInt(s string, defaultValue int) (int, bool) {
	once.Do(readConfig)
	return config.GetInt(s, defaultValue)
}

func GetStrings(s string, defaultValue []string) ([]string, bool) {
	once.Do(readConfig)
	return config.GetStrings(s, defaultValue)
}

func GetDuration(s string, defaultValue time.Duration) (time.Duration, bool) {
	once.Do(readConfig)
	return config.GetDuration(s, defaultValue)
}

func Section(s string) Map {
	once.Do(readConfig)
	return config.Section(s)
}

func (m Map) Get(s string, defaultValue string) (string, bool) {
	if result, exists := m[s].(string); exists {
		return result, true
	}

	return defaultValue, false
}

func (m Map) GetInt(s string, defaultValue int) (int, bool) {
	if result, exists := m[s].(json.Number); exists {
		res, _ := result.Int64()
		return int(res), true
	}

	return defaultValue, false
}

func (m Map) GetBool(s string, defaultValue bool) (bool, bool) {
	if result, exists := m[s].(bool); exists {
		return result, true
	}

	return defaultValue, false
}

// GetStrings returns a list of strings; non-string entries are skipped.
func (m Map) GetStrings(s string, defaultValue []string) ([]string, bool) {
	list, exists := m[s].([]interface{})
	if !exists {
		return defaultValue, false
	}

	result := make([]string, 0, len(list))
	for _, v := range list {
		if str, ok := v.(string); ok {
			result = append(result, str)
		}
	}

	return result, true
}

// GetDuration accepts either a duration string ("30s") or a number of seconds.
func (m Map) GetDuration(s string, defaultValue time.Duration) (time.Duration, bool) {
	switch v := m[s].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, true
		}
	case json.Number:
		if secs, err := v.Float64(); err == nil {
			return time.Duration(secs * float64(time.Second)), true
		}
	}

	return defaultValue, false
}

func (m Map) Section(s string) Map {
	result, _ := m[s].(map[string]interface{})
	return result
}

func readConfig() {
	f, err := os.Open(configFile)
	if err != nil {
		log.Warning.Printf("Unable to open config file, defaults will be used: %v", err)
		return
	}
	defer f.Close()

	decoder := json.NewDecoder(f)
	decoder.UseNumber()

	if err = decoder.Decode(&config); err != nil {
		log.Error.Printf("Can not parse config file, defaults will be used: %v", err)
		return
	}
}

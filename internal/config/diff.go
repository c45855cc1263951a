package config

import "reflect"

// ChangedSections lists the top-level sections that differ between two
// configs. Values are never returned so secrets stay out of logs.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	add("telegram", oldCfg.Telegram, newCfg.Telegram)
	add("engine", oldCfg.Engine, newCfg.Engine)
	add("panel", oldCfg.Panel, newCfg.Panel)
	add("storage", oldCfg.Storage, newCfg.Storage)
	add("notifier", oldCfg.Notifier, newCfg.Notifier)
	add("logging", oldCfg.Logging, newCfg.Logging)
	add("ops", oldCfg.Ops, newCfg.Ops)
	return out
}

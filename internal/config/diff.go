package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; manager and client
// tuning changes require a process restart and are deliberately ignored.
type ConfigDiff struct {
	ServersChanged  bool         // true if any fleet server was added, removed or modified
	ServerChanges   []ServerDiff // per-server diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// ServerDiff describes what changed for a single fleet server between two
// configs.
type ServerDiff struct {
	ID       string
	Added    bool
	Removed  bool
	Modified bool // command, args or env changed; requires a restart of the server
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without a process restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServers := make(map[string]*FleetServer, len(old.Servers))
	for i := range old.Servers {
		oldServers[old.Servers[i].ID] = &old.Servers[i]
	}
	newServers := make(map[string]*FleetServer, len(new.Servers))
	for i := range new.Servers {
		newServers[new.Servers[i].ID] = &new.Servers[i]
	}

	// Detect modified and removed servers.
	for id, oldSrv := range oldServers {
		newSrv, exists := newServers[id]
		if !exists {
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: id, Removed: true})
			d.ServersChanged = true
			continue
		}
		if serverModified(oldSrv, newSrv) {
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: id, Modified: true})
			d.ServersChanged = true
		}
	}

	// Detect added servers.
	for id := range newServers {
		if _, exists := oldServers[id]; !exists {
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: id, Added: true})
			d.ServersChanged = true
		}
	}

	return d
}

// serverModified compares two fleet servers with the same id.
func serverModified(old, new *FleetServer) bool {
	if old.Name != new.Name || old.Command != new.Command {
		return true
	}
	if len(old.Args) != len(new.Args) {
		return true
	}
	for i := range old.Args {
		if old.Args[i] != new.Args[i] {
			return true
		}
	}
	if len(old.Env) != len(new.Env) {
		return true
	}
	for k, v := range old.Env {
		if new.Env[k] != v {
			return true
		}
	}
	return false
}

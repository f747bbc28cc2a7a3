package daemon

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/playbook"
)

// Reload re-reads the config file and applies what can change without a
// restart. It returns a description of each change.
//
// Hot-reloadable:
//   - the playbook catalog (playbooks.file, or the file's contents)
//
// Reported but NOT applied (require restart):
//   - server, bus, store, engine, ingest, firewall, notify, evidence, archive
func (d *Daemon) Reload() ([]string, error) {
	if d.configPath == "" {
		return nil, errors.New("no config path set; cannot reload")
	}
	next, err := core.LoadConfig(d.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	reg, err := playbook.Load(next.Playbooks.File)
	if err != nil {
		return nil, fmt.Errorf("loading playbooks: %w", err)
	}

	var changes []string
	if d.playbooks != nil {
		d.playbooks.Replace(reg)
		d.Config.Playbooks = next.Playbooks
		changes = append(changes, fmt.Sprintf("playbooks reloaded (%d)", reg.Len()))
	}

	for _, sec := range []struct {
		name      string
		cur, next interface{}
	}{
		{"server", d.Config.Server, next.Server},
		{"bus", d.Config.Bus, next.Bus},
		{"store", d.Config.Store, next.Store},
		{"engine", d.Config.Engine, next.Engine},
		{"executor", d.Config.Executor, next.Executor},
		{"ingest", d.Config.Ingest, next.Ingest},
		{"firewall", d.Config.Firewall, next.Firewall},
		{"notify", d.Config.Notify, next.Notify},
		{"evidence", d.Config.Evidence, next.Evidence},
		{"archive", d.Config.Archive, next.Archive},
	} {
		if !reflect.DeepEqual(sec.cur, sec.next) {
			changes = append(changes, sec.name+" changed; restart required")
		}
	}
	return changes, nil
}

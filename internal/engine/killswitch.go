package engine

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
)

const (
	killSwitchKey   = "kill_switch"
	killSwitchValue = "STOP"
)

// Kill switch sources.
const (
	SourceFile = "file"
	SourceAPI  = "api"
)

// SwitchStore persists the API-toggled kill switch.
type SwitchStore interface {
	GetConfig(key string) (string, bool, error)
	SaveConfig(key, value string) error
	DeleteConfig(key string) error
}

// KillSwitchStatus is the kill switch view served by the API.
type KillSwitchStatus struct {
	Active bool   `json:"active"`
	Source string `json:"source,omitempty"`
}

// KillSwitch halts trading when a file containing STOP exists or the
// stored record is set. Read errors fail open.
type KillSwitch struct {
	file  string
	store SwitchStore
}

// NewKillSwitch creates a KillSwitch. Either source may be empty or nil.
func NewKillSwitch(file string, store SwitchStore) *KillSwitch {
	return &KillSwitch{file: file, store: store}
}

// Active reports whether trading is halted.
func (k *KillSwitch) Active() bool {
	return k.Status().Active
}

// Status reports whether trading is halted and by which source.
func (k *KillSwitch) Status() KillSwitchStatus {
	if k.file != "" {
		data, err := os.ReadFile(k.file)
		switch {
		case err == nil:
			if string(bytes.TrimSpace(data)) == killSwitchValue {
				return KillSwitchStatus{Active: true, Source: SourceFile}
			}
		case !errors.Is(err, os.ErrNotExist):
			slog.Warn("kill switch file unreadable", slog.String("file", k.file), slog.Any("error", err))
		}
	}

	if k.store != nil {
		v, ok, err := k.store.GetConfig(killSwitchKey)
		if err != nil {
			slog.Warn("kill switch record unreadable", slog.Any("error", err))
		} else if ok && v == killSwitchValue {
			return KillSwitchStatus{Active: true, Source: SourceAPI}
		}
	}
	return KillSwitchStatus{}
}

// Activate sets the stored record.
func (k *KillSwitch) Activate() error {
	if k.store == nil {
		return errors.New("kill switch has no store")
	}
	if err := k.store.SaveConfig(killSwitchKey, killSwitchValue); err != nil {
		return err
	}
	slog.Warn("kill switch activated", slog.String("source", SourceAPI))
	return nil
}

// Deactivate clears the stored record. A STOP file stays in force until
// it is removed.
func (k *KillSwitch) Deactivate() error {
	if k.store == nil {
		return errors.New("kill switch has no store")
	}
	if err := k.store.DeleteConfig(killSwitchKey); err != nil {
		return err
	}
	slog.Info("kill switch deactivated", slog.String("source", SourceAPI))
	return nil
}

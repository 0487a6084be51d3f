package log

import "strconv"

// LevelChangeEntry overrides the level of every log call made from File:Line.
// File is matched against the trailing "dir/file.go" form used in caller info.
type LevelChangeEntry struct {
	File  string `mapstructure:"file"`
	Line  int    `mapstructure:"line"`
	Level Level  `mapstructure:"level"`
}

type levelChange struct {
	entries map[string]Level
}

func newLevelChange(entries []LevelChangeEntry) *levelChange {
	lc := &levelChange{entries: make(map[string]Level, len(entries))}
	for _, e := range entries {
		lc.entries[levelChangeKey(e.File, e.Line)] = e.Level
	}
	return lc
}

func levelChangeKey(file string, line int) string {
	return file + ":" + strconv.Itoa(line)
}

// Empty reports whether no overrides are configured.
func (lc *levelChange) Empty() bool {
	return lc == nil || len(lc.entries) == 0
}

// GetLevel returns the override for file:line, or def.
func (lc *levelChange) GetLevel(file string, line int, def Level) Level {
	if lc.Empty() {
		return def
	}
	if lv, ok := lc.entries[levelChangeKey(file, line)]; ok {
		return lv
	}
	return def
}

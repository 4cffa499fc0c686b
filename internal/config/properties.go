package config

import (
	"fmt"

	"github.com/magiconair/properties"
)

// ServerProperties holds the server.properties keys gamekeeper reads. The
// file is never written.
type ServerProperties struct {
	ServerPort int
	ServerIP   string
	LevelName  string
	MOTD       string
}

// ReadServerProperties parses a Java properties file such as server.properties.
// Values are taken literally; "${...}" in a motd is not expanded.
func ReadServerProperties(path string) (ServerProperties, error) {
	l := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := l.LoadFile(path)
	if err != nil {
		return ServerProperties{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ServerProperties{
		ServerPort: p.GetInt("server-port", 0),
		ServerIP:   p.GetString("server-ip", ""),
		LevelName:  p.GetString("level-name", ""),
		MOTD:       p.GetString("motd", ""),
	}, nil
}

package server

import (
	"fmt"

	"github.com/migadu/popd/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the identity of one client connection for logging.
type Session struct {
	Id         string
	RemoteIP   string
	UserName   string // empty until the maildrop is opened
	HostName   string
	ServerName string
	Protocol   string
	Stats      ConnectionStatsProvider
}

func (s *Session) attrs() []any {
	user := "none"
	if s.UserName != "" {
		user = s.UserName
	}

	protocol := s.Protocol
	if s.ServerName != "" {
		protocol = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	out := []any{"protocol", protocol, "remote", s.RemoteIP, "user", user, "session", s.Id}
	if s.Stats != nil {
		out = append(out, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
	}
	return out
}

func (s *Session) Log(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...), s.attrs()...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), s.attrs()...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...), s.attrs()...)
}

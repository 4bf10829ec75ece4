package raftadapter

import (
	"fmt"
	"log/slog"
	"os"

	"go.etcd.io/etcd/raft/v3"

	"schemaver/pkg/config"
	"schemaver/pkg/dberrors"
)

const (
	defaultElectionTick  = 10
	defaultHeartbeatTick = 1
	// один Batch - целая транзакция, поэтому лимит больше чем в примерах etcd
	defaultMaxSizePerMsg   = 1 << 20
	defaultMaxInflightMsgs = 256
)

// toRaftConfig fills zero ticks and limits with defaults and rejects
// settings raft would panic on later.
func toRaftConfig(c *config.RaftConfig) (*raft.Config, error) {
	if c.ID == 0 {
		return nil, dberrors.Configf("cluster.raft.id is required")
	}
	rc := &raft.Config{
		ID:                        c.ID,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
		Logger:                    slogLogger{slog.Default().With("component", "raft")},
	}
	if rc.ElectionTick == 0 {
		rc.ElectionTick = defaultElectionTick
	}
	if rc.HeartbeatTick == 0 {
		rc.HeartbeatTick = defaultHeartbeatTick
	}
	if rc.MaxSizePerMsg == 0 {
		rc.MaxSizePerMsg = defaultMaxSizePerMsg
	}
	if rc.MaxInflightMsgs == 0 {
		rc.MaxInflightMsgs = defaultMaxInflightMsgs
	}
	if rc.ElectionTick <= rc.HeartbeatTick {
		return nil, dberrors.Configf("cluster.raft.election_tick %d must be greater than heartbeat_tick %d",
			rc.ElectionTick, rc.HeartbeatTick)
	}
	return rc, nil
}

// slogLogger routes raft's own logging into slog.
type slogLogger struct {
	l *slog.Logger
}

var _ raft.Logger = slogLogger{}

func (s slogLogger) Debug(v ...any)                 { s.l.Debug(fmt.Sprint(v...)) }
func (s slogLogger) Debugf(format string, v ...any) { s.l.Debug(fmt.Sprintf(format, v...)) }
func (s slogLogger) Info(v ...any)                  { s.l.Info(fmt.Sprint(v...)) }
func (s slogLogger) Infof(format string, v ...any)  { s.l.Info(fmt.Sprintf(format, v...)) }
func (s slogLogger) Warning(v ...any)               { s.l.Warn(fmt.Sprint(v...)) }
func (s slogLogger) Warningf(format string, v ...any) {
	s.l.Warn(fmt.Sprintf(format, v...))
}
func (s slogLogger) Error(v ...any)                 { s.l.Error(fmt.Sprint(v...)) }
func (s slogLogger) Errorf(format string, v ...any) { s.l.Error(fmt.Sprintf(format, v...)) }

func (s slogLogger) Fatal(v ...any) {
	s.l.Error(fmt.Sprint(v...))
	os.Exit(1)
}

func (s slogLogger) Fatalf(format string, v ...any) {
	s.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (s slogLogger) Panic(v ...any) {
	msg := fmt.Sprint(v...)
	s.l.Error(msg)
	panic(msg)
}

func (s slogLogger) Panicf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	s.l.Error(msg)
	panic(msg)
}

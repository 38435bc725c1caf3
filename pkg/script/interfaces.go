package script

import (
	"context"
	"time"

	"github.com/frjcomp/dropprobe/pkg/config"
	"github.com/frjcomp/dropprobe/pkg/driver"
)

// Conn is the part of the driver a runner needs.
type Conn interface {
	Connect(ctx context.Context) error
	Read(timeout time.Duration) driver.Response
	Write(data []byte) error
	Exchange(text string, settle time.Duration) driver.Response
	Close() error
}

// ConnFactory creates an unconnected Conn for one session.
type ConnFactory func(cfg *config.DriverConfig) (Conn, error)

func newDriverConn(cfg *config.DriverConfig) (Conn, error) {
	return driver.New(cfg)
}

var _ Conn = (*driver.Driver)(nil)

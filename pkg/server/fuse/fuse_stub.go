//go:build !linux

package fuse

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ticpu/heicfs/pkg/artifact"
	"github.com/ticpu/heicfs/pkg/imaging"
	"github.com/ticpu/heicfs/pkg/pathmap"
	"github.com/ticpu/heicfs/pkg/pipeline"
)

// Options wires the core components into the mount.
type Options struct {
	Mountpoint    string
	Mapper        *pathmap.Mapper
	Store         *artifact.Store
	Pool          *pipeline.Pool
	Detector      *imaging.Detector
	AttrTimeout   time.Duration
	PrefetchCount int
	AllowOther    bool
	Logger        logrus.FieldLogger
}

// Mount exposes the virtual tree at the mountpoint.
func Mount(ctx context.Context, opts Options) error {
	return fmt.Errorf("fuse mount not supported in this build")
}

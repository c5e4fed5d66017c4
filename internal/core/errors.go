package core

import (
	"errors"

	"github.com/fedragon/assetprep/internal/ffmpeg"
)

var (
	// ErrParse marks a single record that could not be decoded.
	ErrParse = errors.New("cannot parse record")
	// ErrEmptyInput is returned when there is nothing to aggregate.
	ErrEmptyInput = errors.New("no input records found")
	// ErrInputDirMissing is returned when a required input directory is absent.
	ErrInputDirMissing = errors.New("input directory not found")
	// ErrKeyCollision is returned when two records share a stem and the
	// collision policy is CollisionFail.
	ErrKeyCollision = errors.New("duplicate record identifier")
	// ErrToolMissing aliases ffmpeg.ErrNotFound so callers only need this package.
	ErrToolMissing = ffmpeg.ErrNotFound
	// ErrToolFailure marks a per-item failure of the external tool.
	ErrToolFailure = errors.New("external tool failed")
	// ErrIO is returned when an output artifact cannot be written.
	ErrIO = errors.New("cannot write output")
)

// Package flow moves opaque frames between the two ends of a node link,
// either across an in-process `Local` pipe or over a byte stream using
// varint length-prefixed framing.
package flow

import "errors"

var (
	ErrFlowClosed    = errors.New("flow: flow closed")
	ErrFrameTooLarge = errors.New("flow: frame exceeds the maximum size")
	ErrInvalidPrefix = errors.New("flow: invalid frame length prefix")
)

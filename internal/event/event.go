// Package event defines the tagged outcomes of one processing step of the
// decode state machine, the subscription mask callers use to select the
// informational events they want, and the wire-code table that maps event
// kinds to their bitmask-compatible integer codes.
package event

import (
	"fmt"
	"strings"
)

// Kind identifies the outcome of one processing step. Kind values are
// internal; use Wire and FromWire to convert to and from integer codes.
type Kind int

// Event kinds.
const (
	KindDone Kind = iota
	KindError
	KindNeedMoreInput
	KindNeedPreviewBuffer
	KindNeedImageBuffer
	KindJPEGNeedMoreOutput
	KindBoxNeedMoreOutput
	KindBasicInfo
	KindColorEncoding
	KindPreviewImage
	KindFrame
	KindFullImage
	KindJPEGReconstruction
	KindBox
	KindFrameProgression
	KindBoxComplete
	kindCount
)

var kindNames = [kindCount]string{
	KindDone:               "Done",
	KindError:              "Error",
	KindNeedMoreInput:      "NeedMoreInput",
	KindNeedPreviewBuffer:  "NeedPreviewBuffer",
	KindNeedImageBuffer:    "NeedImageBuffer",
	KindJPEGNeedMoreOutput: "JPEGNeedMoreOutput",
	KindBoxNeedMoreOutput:  "BoxNeedMoreOutput",
	KindBasicInfo:          "BasicInfo",
	KindColorEncoding:      "ColorEncoding",
	KindPreviewImage:       "PreviewImage",
	KindFrame:              "Frame",
	KindFullImage:          "FullImage",
	KindJPEGReconstruction: "JPEGReconstruction",
	KindBox:                "Box",
	KindFrameProgression:   "FrameProgression",
	KindBoxComplete:        "BoxComplete",
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Informational reports whether k is an optional event that must be
// subscribed to before it is surfaced.
func (k Kind) Informational() bool {
	return k >= KindBasicInfo && k < kindCount
}

// NeedsAction reports whether k requires the caller to supply input or a
// buffer before the next processing step.
func (k Kind) NeedsAction() bool {
	switch k {
	case KindNeedMoreInput, KindNeedPreviewBuffer, KindNeedImageBuffer,
		KindJPEGNeedMoreOutput, KindBoxNeedMoreOutput:
		return true
	}
	return false
}

// Terminal reports whether k ends the stream.
func (k Kind) Terminal() bool {
	return k == KindDone || k == KindError
}

// Target names the output region a buffer request refers to.
type Target struct {
	Kind  TargetKind
	Index int // extra channel index when Kind is TargetExtraChannel
}

// TargetKind enumerates pixel and byte output targets.
type TargetKind int

// Output targets.
const (
	TargetNone TargetKind = iota
	TargetImage
	TargetPreview
	TargetExtraChannel
	TargetJPEG
	TargetBox
)

func (t Target) String() string {
	switch t.Kind {
	case TargetImage:
		return "image"
	case TargetPreview:
		return "preview"
	case TargetExtraChannel:
		return fmt.Sprintf("extra-channel[%d]", t.Index)
	case TargetJPEG:
		return "jpeg"
	case TargetBox:
		return "box"
	default:
		return "none"
	}
}

// Convenience targets.
var (
	Image   = Target{Kind: TargetImage}
	Preview = Target{Kind: TargetPreview}
	JPEG    = Target{Kind: TargetJPEG}
	Box     = Target{Kind: TargetBox}
)

// ExtraChannel returns the target for extra channel i.
func ExtraChannel(i int) Target {
	return Target{Kind: TargetExtraChannel, Index: i}
}

// Event is the single outcome of one processing step. Err is set only for
// KindError; Target only for buffer requests.
type Event struct {
	Kind   Kind
	Target Target
	Err    error
}

func (e Event) String() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Target.Kind != TargetNone {
		fmt.Fprintf(&b, "(%s)", e.Target)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Fatal returns an error event carrying err.
func Fatal(err error) Event {
	return Event{Kind: KindError, Err: err}
}

// Of returns a plain event of kind k.
func Of(k Kind) Event {
	return Event{Kind: k}
}

// NeedBuffer returns a buffer request event for target t.
func NeedBuffer(t Target) Event {
	switch t.Kind {
	case TargetPreview:
		return Event{Kind: KindNeedPreviewBuffer, Target: t}
	case TargetJPEG:
		return Event{Kind: KindJPEGNeedMoreOutput, Target: t}
	case TargetBox:
		return Event{Kind: KindBoxNeedMoreOutput, Target: t}
	default:
		return Event{Kind: KindNeedImageBuffer, Target: t}
	}
}

package interceptor

import (
	"github.com/pion/interceptor"
)

// AbsSendTimeURI identifies the 24-bit abs-send-time header extension
// (6.18 fixed point seconds, wrapping every 64 seconds).
const AbsSendTimeURI = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"

// FindExtensionID returns the negotiated ID of the extension with the given
// URI, or 0 when it was not negotiated. ID 0 is never valid on the wire.
func FindExtensionID(exts []interceptor.RTPHeaderExtension, uri string) uint8 {
	for _, ext := range exts {
		if ext.URI == uri {
			return uint8(ext.ID)
		}
	}
	return 0
}

// FindAbsSendTimeID returns the abs-send-time extension ID, or 0.
func FindAbsSendTimeID(exts []interceptor.RTPHeaderExtension) uint8 {
	return FindExtensionID(exts, AbsSendTimeURI)
}

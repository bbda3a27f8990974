package relay

import "errors"

var (
	ErrChannelClosed      = errors.New("relay: channel closed")
	ErrMalformedFrame     = errors.New("relay: malformed frame")
	ErrFrameTooLarge      = errors.New("relay: frame exceeds size limit")
	ErrDelimiterInPayload = errors.New("relay: payload contains frame delimiter")
	ErrUnknownCodec       = errors.New("relay: unknown codec")
	ErrInvalidOption      = errors.New("relay: invalid option")
)

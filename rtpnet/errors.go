// Package rtpnet provides RTP endpoint addressing, session tables and a
// UDP transmitter with multicast and accept/ignore filtering.
//
// Tables in this package do no locking of their own. The transmitter
// serializes access to its tables with a single mutex.
package rtpnet

import "errors"

// Debug enables verbose logging in this package
var Debug bool

var (
	ErrElementAlreadyExists = errors.New("element already exists in hash table")
	ErrElementNotFound      = errors.New("element not found in hash table")
	ErrInvalidHashIndex     = errors.New("hash function returned an illegal hash index")
	ErrNoCurrentElement     = errors.New("no current element selected in hash table")
	ErrKeyAlreadyExists     = errors.New("key already exists in key hash table")
	ErrKeyNotFound          = errors.New("key not found in key hash table")

	ErrBadCollisionAddress = errors.New("invalid address passed to collision list")

	ErrInvalidAddressType        = errors.New("address type is not compatible with this transmitter")
	ErrNotMulticastAddress       = errors.New("address is not a multicast address")
	ErrCouldNotJoinMulticast     = errors.New("unable to join multicast group")
	ErrCouldNotLeaveMulticast    = errors.New("unable to leave multicast group")
	ErrAlreadyInMulticastGroup   = errors.New("already joined to multicast group")
	ErrNotInMulticastGroup       = errors.New("not joined to multicast group")
	ErrNoMulticastSupport        = errors.New("multicast support is not available")
	ErrDifferentReceiveMode      = errors.New("operation does not match the current receive mode")
	ErrNoSuchEntry               = errors.New("specified entry could not be found")
	ErrSpecifiedSizeTooBig       = errors.New("specified size is too big")
	ErrTransmitterClosed         = errors.New("transmitter is closed")
	ErrIllegalParameters         = errors.New("illegal transmission parameters")
	ErrPortBaseNotEven           = errors.New("port base is not an even number")
)

package rendez

// Version is the rendezvous protocol version triple: major changes on
// incompatible changes, minor on compatible extensions, micro on fixes.
type Version struct {
	Major int32
	Minor int32
	Micro int32
}

// ProtocolVersion is the wire-protocol version this package implements.
var ProtocolVersion = Version{Major: 0, Minor: 0, Micro: 7}

// Version implements the VERSION operation: it reports the protocol
// version this Device speaks.
func (d *Device) Version() Version {
	return ProtocolVersion
}

package protocol

// Protocol version advertised by the version command. A master marks a slave
// that advertises a different major version as WrongProtocolVersion.
const (
	VersionMajor = 8
	VersionMinor = 0
)

// Server modes on the wire.
const (
	WireModeMaster = "MASTER"
	WireModeSlave  = "SLAVE"
)

// Encryption types accepted by authorize and startTLS.
const (
	EncryptNone = "NONE"
	EncryptRSA  = "RSA"
)

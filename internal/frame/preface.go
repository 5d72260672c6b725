package frame

// ClientPreface is the fixed 24-octet magic string every HTTP/2 client
// connection opens with (RFC 7540 3.5), before any frame is sent.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// WritePreface appends the client connection preface followed by an empty
// SETTINGS frame (the conventional first frame a client sends) to dst.
func WritePreface(dst []byte) ([]byte, error) {
	dst = append(dst, ClientPreface...)
	return (&SettingsFrame{}).Encode(dst)
}

// Package encryption provides the frame codec for the encrypted transport.
//
// The proxy holds one process-wide RSA key pair, loaded from PEM files at
// startup. Inbound frames are decrypted before decoding; outbound frames are
// encrypted after encoding. Decryption failure is a protocol violation, not
// an internal error: the Router closes the originating connection.
package encryption

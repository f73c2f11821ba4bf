// Package acecrypto implements the two legacy password encodings the
// campus login endpoints expect. Both functions are pure and deterministic:
// equal inputs always yield equal ciphertext, so captured request/response
// triples can be replayed as golden tests.
//
// Neither scheme is a sound modern construction. They reproduce what the
// servers decrypt and must not be strengthened.
package acecrypto

package domain

import "crypto/rand"

// referenceAlphabet drops 0/O, 1/I/L and U so codes survive being read out
// over the phone.
const referenceAlphabet = "23456789ABCDEFGHJKMNPQRSTVWXYZ"

const ReferenceLength = 8

func NewReference() string {
	buf := make([]byte, ReferenceLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = referenceAlphabet[int(b)%len(referenceAlphabet)]
	}
	return string(buf)
}

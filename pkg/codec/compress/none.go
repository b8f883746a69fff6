package compress

// noneCodec is the identity compressor: chunks stored without compression,
// typically because their content is already dense (encrypted or already
// compressed upstream).
type noneCodec struct{}

func (noneCodec) Tag() Tag        { return None }
func (noneCodec) CanStream() bool { return false }

func (noneCodec) Compress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (noneCodec) Decompress(src []byte, expectedLen int) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

package mutator

// splice replaces b[start:end] with replacement and returns the new
// byte slice. It never mutates b in place; callers apply a batch of
// splices in descending start-offset order so earlier offsets stay
// valid across the batch.
func splice(b []byte, start, end int, replacement []byte) []byte {
	out := make([]byte, 0, len(b)-(end-start)+len(replacement))
	out = append(out, b[:start]...)
	out = append(out, replacement...)
	out = append(out, b[end:]...)
	return out
}

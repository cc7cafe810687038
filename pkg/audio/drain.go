package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it after cancelling a synthesis stream so the producer goroutine can
// exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

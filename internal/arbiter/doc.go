// Package arbiter grants modules exclusive access to named critical
// resources, such as the microphone or the speaker.
//
// A module registers once per resource with two callbacks. When it acquires
// a free resource its onAcquired callback runs. When the resource is held by
// someone else the caller joins a FIFO of waiting modules and the holder's
// onReleaseRequested callback runs, asking it to finish up and Release.
// Releasing hands the resource to the head of the FIFO.
//
// A resource may have one permanent owner. The permanent owner holds the
// resource whenever nobody else wants it: it acquires on registration and is
// granted the resource again whenever a release leaves the FIFO empty.
//
// Callbacks always run on their own goroutine, never under the arbiter lock,
// so they may call back into the arbiter.
//
// # Usage
//
//	arb := arbiter.New([]arbiter.Descriptor{{Name: "mic"}}, arbiter.WithLogger(log))
//	arb.Register("alarm", "mic", onMic, onMicWanted, true)
//	arb.Register("light", "mic", onMic, onMicWanted, false)
//	arb.Acquire("light", "mic") // alarm's onMicWanted runs
//	arb.Release("alarm", "mic") // light's onMic runs
package arbiter

// Package srt implements SRT (Secure Reliable Transport) ingest of encoded
// images, both listener-mode (Server) for publishers that push and
// caller-mode (Caller) for pulling from remote SRT sources.
package srt

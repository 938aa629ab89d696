// Package logx is livebot's logging layer over zerolog.
//
// Console output is human readable with a short caller. The optional file
// sink writes JSON lines. The optional chat sink mirrors warnings and errors
// into an operator chat through the transport layer, rate limited so a log
// storm cannot flood the chat.
package logx

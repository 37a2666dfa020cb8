// Package channellog is a client for the channel log, an append-only,
// record-oriented log hosted by a log server.
//
// A log is named by a 32-byte identity with a 43-character printable form.
// A Client creates logs and opens Handles on them; a Handle reads and
// appends records and starts replay (MultiRead) or live (Subscribe)
// cursors whose results are polled with Next.
//
//	client := channellog.NewClient("http://localhost:8080", nil)
//	defer client.Close()
//
//	h, err := client.Open(ctx, name, channellog.ModeReadAppend)
//	if err != nil {
//		return err
//	}
//	defer h.Close()
//
//	d, err := h.Append(ctx, []byte("hello"))
package channellog

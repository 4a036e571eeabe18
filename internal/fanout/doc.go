// Package fanout moves notifications between processes through a shared broker channel.
//
// Every process runs one Subscriber on the channel and hands each received notification to its
// local connection registry. A Publisher only writes to the broker, never to local streams: the
// publishing process gets its own copy back through its subscription like everyone else.
package fanout

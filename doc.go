// Package roomchat implements the client-side engine of a room-scoped,
// end-to-end encrypted chat channel embedded in a host application.
//
// Every installation of the host joins a shared room identified by an
// opaque name and secured by a shared secret. The engine maintains a
// consistent, ordered view of the room's message history and online
// presence across unreliable, reconnecting links. Message payloads are
// opaque to the relay: only ciphertext and routing metadata ever travel
// the wire.
//
// The engine is configured with a bridge.Bridge, the boundary to the
// host application that owns room identity, persistent history and the
// surrounding UI chrome. State changes are observed through callbacks.
//
// Example:
//
//	store, err := bridge.Open("room.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	options := roomchat.NewOptions()
//	options.Bridge = store
//
//	engine, err := roomchat.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine.OnMessage(func(record history.Record) {
//	    fmt.Printf("%s: %s\n", record.AuthorID, record.Payload.Text)
//	})
//	engine.OnConnectionStatus(func(status roomchat.ConnectionStatus) {
//	    fmt.Println("connection:", status)
//	})
//
//	engine.Connect()
//
//	if err := engine.SendMessage("hello", nil); err != nil {
//	    log.Fatal(err)
//	}
package roomchat

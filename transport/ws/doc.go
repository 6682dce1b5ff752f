// Package ws connects PromptMesh to its client over a WebSocket.
//
// A Client is the engine's core.Sink: every outbound event is written as one
// JSON text frame carrying an "action" discriminator. Listen reads inbound
// frames, decodes them into core.Command values and dispatches them to a
// Handler.
//
// Usage:
//
//	client, err := ws.Dial(ctx, "ws://localhost:24337/connector")
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	eng := engine.New(sess, forker, client)
//	_ = client.Send(ctx, eng.InitEvent("promptmesh"))
//	err = client.Listen(ctx, eng)
package ws

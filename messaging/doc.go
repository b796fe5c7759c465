// Package messaging implements the bus: handler registry, dispatch loops,
// request/reply correlation and the Bus facade over a Transport.
//
// A Bus is built explicitly from a Transport, a serialization.TypeRegistry and
// a HandlerRegistry. Nothing is global.
//
//	types := serialization.NewTypeRegistry()
//	_ = serialization.Register[*GetParity](types, "demo.GetParity")
//	_ = serialization.Register[*Parity](types, "demo.Parity")
//
//	handlers, _ := messaging.NewHandlerRegistry(
//	    messaging.Handle("demo.GetParity", func(ctx context.Context, q *GetParity, msg *contracts.Message) error {
//	        return messaging.ReplyFrom(ctx, msg, &Parity{Even: q.ID%2 == 0})
//	    }),
//	)
//
//	bus, _ := messaging.NewBus(transport, types, handlers, messaging.WithServiceName("parity"))
//	_ = bus.SubscribeAll(ctx)
//	defer bus.Close(context.Background())
//
//	reply, err := bus.Request(ctx, &GetParity{ID: 4}, messaging.To("parity-queue"))
package messaging

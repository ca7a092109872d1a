// Package interceptor provides a Pion WebRTC interceptor that routes the
// outgoing RTP of a PeerConnection through an emulated uplink.
//
// Every local stream becomes one flow of a sim.Scenario. Written packets are
// stamped with abs-send-time in virtual time, pushed through the scenario's
// filter chain, and handed to the next writer only when they leave the
// uplink. A receiver-side estimator watches the far end of the link and its
// REMB packets are surfaced on the local RTCP reader, so a sender sees the
// link the way it would see a real one.
//
// Virtual time moves only on Advance, or on a wall-clock ticker when the
// factory is given a tick interval:
//
//	factory, err := bweint.NewLinkInterceptorFactory(
//	    bweint.WithLink(func(u *sim.Uplink) {
//	        sim.NewChokeFilter(u, sim.AllFlows).SetCapacity(500)
//	        sim.NewDelayFilter(u, sim.AllFlows).SetDelayMs(50)
//	    }),
//	    bweint.WithTickInterval(10*time.Millisecond),
//	)
//	if err != nil {
//	    return err
//	}
//	registry := &interceptor.Registry{}
//	registry.Add(factory)
//	api := webrtc.NewAPI(webrtc.WithInterceptorRegistry(registry))
//
// Abs-send-time is only stamped when the extension was negotiated for the
// stream; the emulated link works either way.
package interceptor

package eventbus

// PublishPositionUpdate notifies positions+dashboard of a live
// position change (open volume, P&L refresh).
func (b *Bus) PublishPositionUpdate(data any) {
	b.Publish(ChannelPositions, Message{Type: "position_update", Data: data})
	b.Publish(ChannelDashboard, Message{Type: "position_update", Data: data})
}

// PublishTradeSignal notifies trading+dashboard of an inbound signal
// before fan-out executes it.
func (b *Bus) PublishTradeSignal(data any) {
	b.Publish(ChannelTrading, Message{Type: "trade_signal", Data: data})
	b.Publish(ChannelDashboard, Message{Type: "trade_signal", Data: data})
}

// PublishOrderExecuted notifies trading+positions+dashboard that a
// fan-out leg opened a new order.
func (b *Bus) PublishOrderExecuted(data any) {
	b.Publish(ChannelTrading, Message{Type: "order_executed", Data: data})
	b.Publish(ChannelPositions, Message{Type: "order_executed", Data: data})
	b.Publish(ChannelDashboard, Message{Type: "order_executed", Data: data})
}

// PublishPositionClosed notifies trading+positions+dashboard that a
// position was closed (manual close-all or supervisor auto-close).
func (b *Bus) PublishPositionClosed(data any) {
	b.Publish(ChannelTrading, Message{Type: "position_closed", Data: data})
	b.Publish(ChannelPositions, Message{Type: "position_closed", Data: data})
	b.Publish(ChannelDashboard, Message{Type: "position_closed", Data: data})
}

// PublishSessionUpdate notifies sessions+dashboard of login-all,
// refresh-all, or sweep outcomes.
func (b *Bus) PublishSessionUpdate(data any) {
	b.Publish(ChannelSessions, Message{Type: "session_update", Data: data})
	b.Publish(ChannelDashboard, Message{Type: "session_update", Data: data})
}

// PublishError broadcasts an operational error to every subscriber.
func (b *Bus) PublishError(message string) {
	b.Publish(ChannelAll, Message{Type: "error", Data: message})
}

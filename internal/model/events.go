package model

// PeriodMinute is the only bucket period the pipeline aggregates.
const PeriodMinute = "1min"

// TickObserved is emitted for every tick the tracker sees.
type TickObserved struct {
	Instrument string
	Tick       NormalizedTick
}

// BarFinalized is emitted once per closed bucket, carrying the last tick
// observed in that bucket as the bar.
type BarFinalized struct {
	Instrument string
	Bar        NormalizedTick
}

// ChannelNames holds the pub/sub channels of one instrument.
type ChannelNames struct {
	Tick string // md.<market>.tick.<instrument>
	Bar  string // md.<market>.1min.<instrument>
}

// Channels derives the channel names for market + instrument.
func Channels(market, instrument string) ChannelNames {
	return ChannelNames{
		Tick: "md." + market + ".tick." + instrument,
		Bar:  "md." + market + "." + PeriodMinute + "." + instrument,
	}
}

// Outbound is one serialized message headed for the pub/sub transport.
type Outbound struct {
	Channel string
	Payload []byte
}

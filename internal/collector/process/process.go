// Package process turns a RawSample plus a derived rate into the pipeline's
// published Reading: scaling, offset, range checking, quality
// classification, and tag precedence. Pure and stateless, per spec
// section 4.4.
package process

import (
	"strconv"

	"counterflow/internal/collector/config"
	"counterflow/internal/collector/model"
)

// Input bundles everything the processor needs for one channel's reading.
type Input struct {
	Sample model.RawSample
	// Rate is the value derived by the rate engine for this sample; nil
	// when undefined (insufficient history or zero time delta).
	Rate *float64
	// RateOverflow is true when the rate engine detected an unresolvable
	// counter wrap (spec section 4.3 step 4, u64 case).
	RateOverflow bool
	// LastGoodValue carries over the previous successful processed value,
	// used when the current sample failed acquisition (spec section 4.4).
	LastGoodValue *float64
	Channel       config.ChannelConfig
	DeviceTags    map[string]string
	PipelineTags  map[string]string
}

// Process computes the published Reading from Input.
func Process(in Input) model.Reading {
	r := model.Reading{
		DeviceID:            in.Sample.DeviceID,
		Channel:             in.Sample.Channel,
		Timestamp:           in.Sample.Timestamp,
		RawValue:            in.Sample.RawValue,
		Unit:                in.Channel.Unit,
		AcquisitionDuration: in.Sample.AcquisitionDuration,
		Tags:                mergeTags(in.PipelineTags, in.DeviceTags, in.Channel.Tags, in.Sample.DeviceID, in.Sample.Channel),
		Err:                 in.Sample.Err,
	}

	if in.Sample.Err != nil {
		r.Quality = model.QualityFor(in.Sample.Err)
		r.ProcessedValue = in.LastGoodValue
		return r
	}

	if in.RateOverflow {
		r.Quality = model.QualityOverflow
	}

	value := float64(in.Sample.RawValue)*scaleOf(in.Channel) + in.Channel.Offset
	r.ProcessedValue = &value

	if r.Quality == model.QualityUnknown {
		switch {
		case outOfRange(value, in.Channel):
			r.Quality = model.QualityUncertain
		case in.Rate == nil:
			r.Quality = model.QualityUncertain
		default:
			r.Quality = model.QualityGood
		}
	}
	r.Rate = in.Rate

	return r
}

func scaleOf(c config.ChannelConfig) float64 {
	if c.ScaleFactor == 0 {
		return 1
	}
	return c.ScaleFactor
}

func outOfRange(v float64, c config.ChannelConfig) bool {
	if c.MinValid != nil && v < *c.MinValid {
		return true
	}
	if c.MaxValid != nil && v > *c.MaxValid {
		return true
	}
	return false
}

// mergeTags applies the documented precedence: channel tags override device
// tags override pipeline tags on key collision (spec section 4.4), then
// pipeline identity tags (device_id, channel) are always present.
func mergeTags(pipeline, device, channel map[string]string, deviceID string, ch int) map[string]string {
	out := make(map[string]string, len(pipeline)+len(device)+len(channel)+2)
	for k, v := range pipeline {
		out[k] = v
	}
	for k, v := range device {
		out[k] = v
	}
	for k, v := range channel {
		out[k] = v
	}
	out["device_id"] = deviceID
	out["channel"] = strconv.Itoa(ch)
	return out
}

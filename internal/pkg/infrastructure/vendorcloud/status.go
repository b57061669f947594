package vendorcloud

import (
	"encoding/json"
	"errors"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
)

type switchStatus struct {
	Output      bool     `json:"output"`
	APower      *float64 `json:"apower"`
	Voltage     *float64 `json:"voltage"`
	Temperature *struct {
		TC *float64 `json:"tC"`
	} `json:"temperature"`
	AEnergy *struct {
		Total *float64 `json:"total"`
	} `json:"aenergy"`
}

type statusPayload struct {
	DevInfo *struct {
		Online bool `json:"online"`
	} `json:"_dev_info"`
	Cloud *struct {
		Connected bool `json:"connected"`
	} `json:"cloud"`

	// second generation devices
	Switch0 *switchStatus `json:"switch:0"`

	// first generation devices
	Relays []struct {
		IsOn bool `json:"ison"`
	} `json:"relays"`
	Meters []struct {
		Power *float64 `json:"power"`
		Total *float64 `json:"total"`
	} `json:"meters"`
	Voltage *float64 `json:"voltage"`
	Tmp     *struct {
		TC *float64 `json:"tC"`
	} `json:"tmp"`
}

//ErrNoRelayState is returned for status objects that carry neither a switch nor a relay
var ErrNoRelayState = errors.New("status carries no relay state")

func (p statusPayload) online() *bool {
	if p.DevInfo != nil {
		return &p.DevInfo.Online
	}
	if p.Cloud != nil {
		return &p.Cloud.Connected
	}
	return nil
}

//DecodeStatus maps a device status object of either device generation to a DeviceState
func DecodeStatus(raw json.RawMessage) (domain.DeviceState, error) {
	state := domain.DeviceState{}

	if len(raw) == 0 || string(raw) == "null" {
		return state, errors.New("empty status")
	}

	p := statusPayload{}
	if err := json.Unmarshal(raw, &p); err != nil {
		return state, err
	}

	if p.Switch0 == nil && len(p.Relays) == 0 {
		return state, ErrNoRelayState
	}

	state.Online = true
	if online := p.online(); online != nil {
		state.Online = *online
	}

	if p.Switch0 != nil {
		sw := p.Switch0
		state.RelayOn = sw.Output
		state.CurrentPower = sw.APower
		state.Voltage = sw.Voltage
		if sw.Temperature != nil {
			state.Temperature = sw.Temperature.TC
		}
		if sw.AEnergy != nil {
			state.EnergyTotal = sw.AEnergy.Total
		}
		return state, nil
	}

	if len(p.Relays) > 0 {
		state.RelayOn = p.Relays[0].IsOn
	}
	if len(p.Meters) > 0 {
		state.CurrentPower = p.Meters[0].Power
		if p.Meters[0].Total != nil {
			// first generation meters count watt-minutes
			state.EnergyTotal = domain.Float(*p.Meters[0].Total / 60)
		}
	}
	state.Voltage = p.Voltage
	if p.Tmp != nil {
		state.Temperature = p.Tmp.TC
	}

	return state, nil
}

//Push event names
const (
	EventStatusOnChange = "Shelly:StatusOnChange"
	EventOnline         = "Shelly:Online"
)

//PushEvent is a decoded frame from the push connection
type PushEvent struct {
	Name     string
	DeviceID string
	//State is set for status events
	State *domain.DeviceState
	//Online is set for online events
	Online *bool
}

type pushFrame struct {
	Event    string          `json:"event"`
	DeviceID string          `json:"deviceId"`
	Status   json.RawMessage `json:"status"`
	Online   *int            `json:"online"`
}

//DecodeEvent decodes a pushed frame. ok is false for frames that carry no device state.
func DecodeEvent(payload []byte) (event PushEvent, ok bool, err error) {
	frame := pushFrame{}
	if err = json.Unmarshal(payload, &frame); err != nil {
		return event, false, err
	}

	event.Name = frame.Event
	event.DeviceID = frame.DeviceID

	if frame.DeviceID == "" {
		return event, false, nil
	}

	switch frame.Event {
	case EventStatusOnChange:
		state, err := DecodeStatus(frame.Status)
		if errors.Is(err, ErrNoRelayState) {
			// partial frames only update what they carry
			p := statusPayload{}
			json.Unmarshal(frame.Status, &p)
			event.Online = p.online()
			return event, event.Online != nil, nil
		}
		if err != nil {
			return event, false, err
		}
		event.State = &state
		return event, true, nil
	case EventOnline:
		if frame.Online == nil {
			return event, false, nil
		}
		online := *frame.Online != 0
		event.Online = &online
		return event, true, nil
	}

	return event, false, nil
}

package mqtt

import (
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

type haEntity struct {
	AvailabilityTopic string `json:"avty_t,omitempty"`
	UniqueID          string `json:"uniq_id,omitempty"`
	Name              string `json:"name,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`

	Device haDevice `json:"device,omitempty"`
}

type haCover struct {
	haEntity
	StateTopic       string `json:"stat_t,omitempty"`
	CommandTopic     string `json:"cmd_t"`
	PositionTopic    string `json:"pos_t,omitempty"`
	SetPositionTopic string `json:"set_pos_t"`
	PositionOpen     int    `json:"pos_open"`
	PositionClosed   int    `json:"pos_clsd"`
	PayloadOpen      string `json:"pl_open"`
	PayloadStop      string `json:"pl_stop"`
	PayloadClose     string `json:"pl_cls"`

	TiltCommandTopic string `json:"tilt_cmd_t"`
	TiltStatusTopic  string `json:"tilt_status_t"`
	TiltMin          int    `json:"tilt_min"`
	TiltMax          int    `json:"tilt_max"`
	TiltOpenedValue  int    `json:"tilt_opnd_val"`
	TiltClosedValue  int    `json:"tilt_clsd_val"`
}

// NewHACoverFromMQTTBridge describes the bridged cover for Home Assistant.
// Position and state topics are only announced when the driver publishes them.
func NewHACoverFromMQTTBridge(bridge *Bridge) haCover {
	name := bridge.cover.Name()

	c := haCover{
		haEntity: haEntity{
			UniqueID:    TopicPrefix + "_" + name,
			Name:        name,
			DeviceClass: "blind",

			Device: haDevice{
				Identifiers:  []string{TopicPrefix + "_" + name},
				Manufacturer: TopicPrefix,
				Model:        "venetian blind",
				Name:         name,
				SWVersion:    TopicPrefix,
			},
		},
		CommandTopic:     bridge.CommandTopic,
		SetPositionTopic: bridge.PositionChangeTopic,
		PositionOpen:     100,
		PositionClosed:   0,
		PayloadOpen:      mqttOpenCmd,
		PayloadStop:      mqttStopCmd,
		PayloadClose:     mqttCloseCmd,
		TiltCommandTopic: bridge.TiltChangeTopic,
		TiltStatusTopic:  bridge.TiltTopic,
		TiltMin:          0,
		TiltMax:          100,
		TiltOpenedValue:  100,
		TiltClosedValue:  0,
	}

	if bridge.Reports() {
		c.StateTopic = bridge.CoverStateTopic
		c.PositionTopic = bridge.PositionTopic
	}

	return c
}

func HADiscoveryTopic(prefix string, c haCover) string {
	return fmt.Sprintf("%s/cover/%s/%s/config", prefix, TopicPrefix, c.Name)
}

func PublishHAAutoDiscovery(client paho.Client, homeAssistantDiscoveryTopicPrefix string, c haCover) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}

	if token := client.Publish(HADiscoveryTopic(homeAssistantDiscoveryTopicPrefix, c), 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT auto discovery publish failed", c.Name)
	}

	return nil
}

// README: FCM push of allocation outcomes to the requesting device.
package notify

import (
	"context"
	"fmt"
	"strconv"

	"firebase.google.com/go/v4/messaging"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"refuge/internal/modules/allocation"
)

// Sender is the part of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FCM pushes allocation results. It implements allocation.Notifier.
type FCM struct {
	client Sender
	log    *zap.Logger
}

func NewFCM(client Sender) *FCM {
	return &FCM{client: client, log: zap.L().Named("notify")}
}

func (f *FCM) NotifyAllocation(ctx context.Context, deviceToken string, res allocation.Result) error {
	if deviceToken == "" {
		return eris.Errorf("notify: empty device token for user %s", res.UserID)
	}
	messageID, err := f.client.Send(ctx, BuildAllocationMessage(deviceToken, res))
	if err != nil {
		return eris.Wrapf(err, "notify: send to user %s", res.UserID)
	}
	f.log.Debug("allocation push sent", zap.String("user_id", string(res.UserID)), zap.String("message_id", messageID))
	return nil
}

// BuildAllocationMessage renders a result as a high-priority data + notification message.
func BuildAllocationMessage(deviceToken string, res allocation.Result) *messaging.Message {
	data := map[string]string{
		"type":       "shelter_allocation",
		"request_id": res.RequestID,
		"user_id":    string(res.UserID),
		"success":    strconv.FormatBool(res.Success),
		"path":       string(res.Path),
	}
	notification := &messaging.Notification{}
	if res.Success {
		data["shelter_id"] = string(res.ShelterID)
		data["distance_km"] = strconv.FormatFloat(res.DistanceKm, 'f', 3, 64)
		data["shelter_lat"] = strconv.FormatFloat(res.ShelterLocation.Lat, 'f', 6, 64)
		data["shelter_lng"] = strconv.FormatFloat(res.ShelterLocation.Lng, 'f', 6, 64)
		if res.EstimatedArrival != nil {
			data["estimated_arrival"] = res.EstimatedArrival.UTC().Format("2006-01-02T15:04:05Z")
		}
		notification.Title = "Shelter assigned"
		notification.Body = fmt.Sprintf("Go to %s, %.0f m away", shelterLabel(res), res.DistanceKm*1000)
	} else {
		data["reason"] = string(res.Reason)
		data["action"] = string(res.Action)
		notification.Title = "No shelter assigned"
		notification.Body = actionText(res.Action)
	}
	return &messaging.Message{
		Token:        deviceToken,
		Data:         data,
		Notification: notification,
		Android:      &messaging.AndroidConfig{Priority: "high"},
	}
}

func shelterLabel(res allocation.Result) string {
	if res.ShelterName != "" {
		return res.ShelterName
	}
	return string(res.ShelterID)
}

func actionText(a allocation.Action) string {
	switch a {
	case allocation.ActionRetry:
		return "Please try again in a moment."
	case allocation.ActionResubmit:
		return "The shelter filled up. Please request again."
	case allocation.ActionSeekNearestProtectedSpace:
		return "Move to the nearest protected space now."
	default:
		return "Contact emergency services."
	}
}

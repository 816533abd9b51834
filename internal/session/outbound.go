package session

import (
	"math"
	"strconv"
	"time"

	"github.com/charging-platform/cp-simulator/internal/domain/ocpp16"
)

// BootRequest builds the BootNotification payload for a configured point.
func BootRequest(cfg Config) *ocpp16.BootNotificationRequest {
	req := &ocpp16.BootNotificationRequest{
		ChargePointVendor: cfg.Vendor,
		ChargePointModel:  cfg.Model,
	}
	if cfg.SerialNumber != "" {
		serial := cfg.SerialNumber
		req.ChargePointSerialNumber = &serial
	}
	if cfg.FirmwareVersion != "" {
		fw := cfg.FirmwareVersion
		req.FirmwareVersion = &fw
	}
	return req
}

// AuthorizeRequest builds the Authorize payload for the session's tag.
func (s *Session) AuthorizeRequest() *ocpp16.AuthorizeRequest {
	return &ocpp16.AuthorizeRequest{IdTag: s.IdTag}
}

// StartTransactionRequest builds the StartTransaction payload. The meter
// start is the current register, truncated to whole Wh as OCPP requires.
func (s *Session) StartTransactionRequest(now time.Time, reservationID *int) *ocpp16.StartTransactionRequest {
	return &ocpp16.StartTransactionRequest{
		ConnectorId:   s.ConnectorID,
		IdTag:         s.IdTag,
		MeterStart:    int(math.Round(s.EnergyRegisterWh)),
		ReservationId: reservationID,
		Timestamp:     ocpp16.NewDateTime(now),
	}
}

// StopTransactionRequest builds the StopTransaction payload.
func (s *Session) StopTransactionRequest(reason ocpp16.Reason, now time.Time) *ocpp16.StopTransactionRequest {
	idTag := s.IdTag
	req := &ocpp16.StopTransactionRequest{
		IdTag:     &idTag,
		MeterStop: int(math.Round(s.EnergyRegisterWh)),
		Timestamp: ocpp16.NewDateTime(now),
	}
	if s.TransactionID != nil {
		req.TransactionId = *s.TransactionID
	}
	if reason != "" {
		r := reason
		req.Reason = &r
	}
	return req
}

// StatusNotificationRequest builds a StatusNotification for the connector.
func (s *Session) StatusNotificationRequest(status ocpp16.ChargePointStatus, now time.Time) *ocpp16.StatusNotificationRequest {
	ts := ocpp16.NewDateTime(now)
	errorCode := ocpp16.ChargePointErrorCodeNoError
	if status == ocpp16.ChargePointStatusFaulted {
		errorCode = ocpp16.ChargePointErrorCodeOtherError
	}
	return &ocpp16.StatusNotificationRequest{
		ConnectorId: s.ConnectorID,
		ErrorCode:   errorCode,
		Status:      status,
		Timestamp:   &ts,
	}
}

func sampled(value string, measurand ocpp16.Measurand, unit ocpp16.UnitOfMeasure) ocpp16.SampledValue {
	m := measurand
	u := unit
	ctx := ocpp16.ReadingContextSamplePeriodic
	return ocpp16.SampledValue{
		Value:     value,
		Context:   &ctx,
		Measurand: &m,
		Unit:      &u,
	}
}

// MeterValuesRequest builds a periodic MeterValues sample from the current
// electrical state. Voltage and current report phase L1.
func (s *Session) MeterValuesRequest(now time.Time, voltage float64, phases int) *ocpp16.MeterValuesRequest {
	if phases <= 0 || s.DC {
		phases = 1
	}

	samples := []ocpp16.SampledValue{
		sampled(strconv.FormatFloat(s.EnergyRegisterWh, 'f', 0, 64),
			ocpp16.MeasurandEnergyActiveImportRegister, ocpp16.UnitOfMeasureWh),
		sampled(strconv.FormatFloat(s.AppliedPowerW, 'f', 1, 64),
			ocpp16.MeasurandPowerActiveImport, ocpp16.UnitOfMeasureW),
	}

	if voltage > 0 {
		v := sampled(strconv.FormatFloat(voltage, 'f', 1, 64),
			ocpp16.MeasurandVoltage, ocpp16.UnitOfMeasureV)
		l1 := ocpp16.PhaseL1
		v.Phase = &l1
		samples = append(samples, v)

		current := s.AppliedPowerW / (voltage * float64(phases))
		c := sampled(strconv.FormatFloat(current, 'f', 1, 64),
			ocpp16.MeasurandCurrentImport, ocpp16.UnitOfMeasureA)
		c.Phase = &l1
		samples = append(samples, c)
	}

	if s.Vehicle != nil {
		soc := sampled(strconv.FormatFloat(s.SocPct, 'f', 1, 64),
			ocpp16.MeasurandSoC, ocpp16.UnitOfMeasurePercent)
		ev := ocpp16.LocationEV
		soc.Location = &ev
		samples = append(samples, soc)
	}

	return &ocpp16.MeterValuesRequest{
		ConnectorId:   s.ConnectorID,
		TransactionId: s.TransactionID,
		MeterValue: []ocpp16.MeterValue{{
			Timestamp:    ocpp16.NewDateTime(now),
			SampledValue: samples,
		}},
	}
}

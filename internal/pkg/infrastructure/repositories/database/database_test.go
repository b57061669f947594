package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/repositories/models"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

type fixture struct {
	clinic     models.Clinic
	cabin      models.Cabin
	equipment  models.Equipment
	assignment models.EquipmentAssignment
	device     models.Device
	service    models.Service
	appt       models.Appointment
}

func seed(t *testing.T, db Datastore, systemID uint, deviceID string) fixture {
	impl := db.(*myDB).impl
	f := fixture{}

	f.clinic = models.Clinic{SystemID: systemID, Name: "Clinic"}
	impl.Create(&f.clinic)
	f.cabin = models.Cabin{SystemID: systemID, ClinicID: f.clinic.ID, Name: "Cabin 1"}
	impl.Create(&f.cabin)
	f.equipment = models.Equipment{SystemID: systemID, Name: "Laser"}
	impl.Create(&f.equipment)
	f.assignment = models.EquipmentAssignment{
		SystemID:     systemID,
		EquipmentID:  f.equipment.ID,
		ClinicID:     f.clinic.ID,
		CabinID:      &f.cabin.ID,
		SerialNumber: "SN-" + deviceID,
		DeviceID:     deviceID,
	}
	impl.Create(&f.assignment)
	f.device = models.Device{
		SystemID:       systemID,
		DeviceID:       deviceID,
		Name:           "Plug " + deviceID,
		AssignmentID:   &f.assignment.ID,
		Online:         true,
		RelayOn:        true,
		CurrentPower:   domain.Float(850.5),
		Voltage:        domain.Float(230),
		PowerThreshold: 10,
	}
	impl.Create(&f.device)
	f.service = models.Service{SystemID: systemID, Name: "Treatment", DurationMinutes: 45, TreatmentDurationMinutes: 30}
	impl.Create(&f.service)
	f.appt = models.Appointment{SystemID: systemID, ClinicID: f.clinic.ID, ClientID: 7, EmployeeID: 8, ServiceID: f.service.ID, DurationMinutes: 60}
	impl.Create(&f.appt)

	return f
}

func TestGetBindingsIsTenantScoped(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		seed(t, db, 1, "plug-a")
		seed(t, db, 2, "plug-b")

		bindings, err := db.GetBindings(context.Background(), 1, nil)
		if err != nil {
			t.Fatal(err.Error())
		}

		if len(bindings) != 1 || bindings[0].DeviceID != "plug-a" {
			t.Fatalf("Expected one binding for plug-a, got %v", bindings)
		}

		b := bindings[0]
		if b.EquipmentName != "Laser" || b.CabinName != "Cabin 1" || b.PowerThreshold != 10 {
			t.Errorf("Binding was not fully resolved: %+v", b)
		}
	}
}

func TestGetBindingsFiltersOnClinic(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		f := seed(t, db, 1, "plug-a")
		other := f.clinic.ID + 100

		bindings, _ := db.GetBindings(context.Background(), 1, &other)
		if len(bindings) != 0 {
			t.Errorf("Expected no bindings for unknown clinic, got %d", len(bindings))
		}

		exists, err := db.ClinicExists(context.Background(), 2, f.clinic.ID)
		if err != nil || exists {
			t.Error("Clinic should not exist in another tenant")
		}
	}
}

func TestUpdateDeviceStateWritesOnlyGivenColumns(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		seed(t, db, 1, "plug-a")
		ctx := context.Background()

		err := db.UpdateDeviceState(ctx, 1, "plug-a", map[string]interface{}{
			domain.ColumnRelayOn:    false,
			domain.ColumnLastSeenAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err.Error())
		}

		state, _ := db.GetDeviceState(ctx, 1, "plug-a")
		if state.RelayOn || !state.Online || *state.CurrentPower != 850.5 || *state.Voltage != 230 {
			t.Errorf("Unexpected state after update: %+v", state)
		}
	}
}

func TestThatUpdatingAnotherTenantsDeviceIsNotFound(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		seed(t, db, 1, "plug-a")

		err := db.UpdateDeviceState(context.Background(), 2, "plug-a", map[string]interface{}{domain.ColumnOnline: false})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}

		_, err = db.GetDeviceState(context.Background(), 2, "plug-a")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	}
}

func TestGetAppointmentUsesTheServiceDurations(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		f := seed(t, db, 1, "plug-a")

		a, err := db.GetAppointment(context.Background(), 1, f.appt.ID)
		if err != nil {
			t.Fatal(err.Error())
		}
		if a.EstimatedMinutes() != 30 {
			t.Errorf("Estimated minutes should be 30, but was %d", a.EstimatedMinutes())
		}

		_, err = db.GetAppointment(context.Background(), 2, f.appt.ID)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	}
}

func TestUsageLifecycleIsPersisted(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		f := seed(t, db, 1, "plug-a")
		ctx := context.Background()
		start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

		u := domain.NewUsage(1, f.appt.ID, f.assignment.ID, 30, start)
		if err := db.CreateUsage(ctx, &u); err != nil {
			t.Fatal(err.Error())
		}

		open, _ := db.FindOpenUsage(ctx, 1, f.appt.ID, f.assignment.ID)
		if open == nil || open.ID != u.ID {
			t.Fatal("Expected the new usage to be open")
		}

		u.Pause(start.Add(10*time.Minute), "client request")
		if err := db.SaveUsage(ctx, u); err != nil {
			t.Fatal(err.Error())
		}

		stored, _ := db.GetUsage(ctx, 1, u.ID)
		if stored.Status != domain.UsagePaused || len(stored.PauseIntervals) != 1 || stored.PausedAt == nil {
			t.Fatalf("Paused usage was not stored correctly: %+v", stored)
		}

		stored.Resume(start.Add(15 * time.Minute))
		stored.Stop(start.Add(25 * time.Minute))
		sample := &domain.EnergySample{SystemID: 1, UsageID: u.ID, AssignmentID: f.assignment.ID, EnergyKWh: 1.2, DurationMinutes: 20, RecordedAt: start}
		if err := db.CompleteUsage(ctx, *stored, sample); err != nil {
			t.Fatal(err.Error())
		}

		completed, _ := db.GetUsage(ctx, 1, u.ID)
		if completed.Status != domain.UsageCompleted || *completed.ActualMinutes != 20 || completed.PausedAt != nil {
			t.Errorf("Completed usage was not stored correctly: %+v", completed)
		}

		open, _ = db.FindOpenUsage(ctx, 1, f.appt.ID, f.assignment.ID)
		if open != nil {
			t.Error("Completed usage should not be open")
		}

		samples, _ := db.GetEnergySamples(ctx, 1)
		if len(samples) != 1 || samples[0].EnergyKWh != 1.2 {
			t.Errorf("Expected one energy sample, got %v", samples)
		}
	}
}

func TestSaveConnectionStateUpdatesTheSameRow(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		ctx := context.Background()
		record := domain.ConnectionRecord{SystemID: 1, Type: "shelly", ReferenceID: 3, Status: domain.ConnectionConnected, AutoReconnect: true, At: time.Now()}

		if err := db.SaveConnectionState(ctx, record); err != nil {
			t.Fatal(err.Error())
		}

		record.Status = domain.ConnectionDisconnected
		record.AutoReconnect = false
		if err := db.SaveConnectionState(ctx, record); err != nil {
			t.Fatal(err.Error())
		}

		records, _ := db.GetConnections(ctx, 1)
		if len(records) != 1 || records[0].Status != domain.ConnectionDisconnected || records[0].AutoReconnect {
			t.Errorf("Unexpected connection records: %v", records)
		}

		restorable, _ := db.GetAutoReconnectConnections(ctx)
		if len(restorable) != 0 {
			t.Errorf("Expected no restorable connections, got %d", len(restorable))
		}
	}
}

func TestReplaceClientScoresReplacesTheAggregate(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		ctx := context.Background()

		first := []domain.AnomalyScore{
			{EntityID: 1, TotalServices: 4, Counterparts: domain.CountMap{"8": 1}, RiskLevel: domain.RiskLow},
			{EntityID: 2, TotalServices: 2, RiskLevel: domain.RiskLow},
		}
		if err := db.ReplaceClientScores(ctx, 1, first); err != nil {
			t.Fatal(err.Error())
		}

		second := []domain.AnomalyScore{
			{EntityID: 1, TotalServices: 10, TotalAnomalies: 3, Counterparts: domain.CountMap{"9": 3}, RiskScore: 32, RiskLevel: domain.RiskHigh},
		}
		if err := db.ReplaceClientScores(ctx, 1, second); err != nil {
			t.Fatal(err.Error())
		}

		scores, _ := db.GetClientScores(ctx, 1)
		if len(scores) != 1 {
			t.Fatalf("Expected one score, got %d", len(scores))
		}
		if scores[0].Counterparts["9"] != 3 || scores[0].Counterparts["8"] != 0 || scores[0].RiskLevel != domain.RiskHigh {
			t.Errorf("Score was merged instead of replaced: %+v", scores[0])
		}
	}
}

func newDatabaseForTest(t *testing.T) (Datastore, bool) {
	log := logging.NewLogger()
	db, err := NewDatabaseConnection(NewSQLiteConnector(), log)

	if err != nil {
		t.Error(err.Error())
		return nil, false
	}

	return db, true
}

func TestReplaceAggregatesReplacesEveryTable(t *testing.T) {
	if db, ok := newDatabaseForTest(t); ok {
		ctx := context.Background()
		const systemID uint = 7

		profiles := []domain.EnergyProfile{{AssignmentID: 3, ServiceID: 9, Baseline: domain.Baseline{SampleCount: 10, AvgKWhPerMinute: 0.1}}}
		clients := []domain.AnomalyScore{{EntityID: 1, TotalServices: 10, RiskLevel: domain.RiskHigh}, {EntityID: 2, RiskLevel: domain.RiskLow}}
		employees := []domain.AnomalyScore{{EntityID: 8, TotalServices: 3, RiskLevel: domain.RiskCritical}}

		if err := db.ReplaceAggregates(ctx, systemID, profiles, clients, employees); err != nil {
			t.Fatal(err.Error())
		}
		if err := db.ReplaceAggregates(ctx, systemID, nil, clients[:1], nil); err != nil {
			t.Fatal(err.Error())
		}

		stored, _ := db.GetEnergyProfiles(ctx, systemID)
		if len(stored) != 0 {
			t.Errorf("Expected profiles to be replaced, got %d", len(stored))
		}
		clientScores, _ := db.GetClientScores(ctx, systemID)
		if len(clientScores) != 1 || clientScores[0].EntityID != 1 {
			t.Errorf("Expected only client 1 to remain, got %+v", clientScores)
		}
		employeeScores, _ := db.GetEmployeeScores(ctx, systemID)
		if len(employeeScores) != 0 {
			t.Errorf("Expected employee scores to be replaced, got %d", len(employeeScores))
		}
	}
}

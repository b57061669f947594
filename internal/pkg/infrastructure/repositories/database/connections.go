package database

import (
	"context"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/repositories/models"
)

func connectionToDomain(c models.WebSocketConnection) domain.ConnectionRecord {
	return domain.ConnectionRecord{
		SystemID:       c.SystemID,
		Type:           c.Type,
		ReferenceID:    c.ReferenceID,
		Status:         domain.ConnectionStatus(c.Status),
		AutoReconnect:  c.AutoReconnect,
		LastError:      c.LastError,
		LoggingEnabled: c.LoggingEnabled,
		At:             c.UpdatedAt,
	}
}

func (db *myDB) SaveConnectionState(ctx context.Context, record domain.ConnectionRecord) error {
	conn := models.WebSocketConnection{}
	result := db.impl.WithContext(ctx).
		Where("type = ? AND reference_id = ?", record.Type, record.ReferenceID).
		Limit(1).
		Find(&conn)
	if result.Error != nil {
		return domain.PersistenceError("find connection", result.Error)
	}

	fields := map[string]interface{}{
		"system_id":       record.SystemID,
		"status":          string(record.Status),
		"auto_reconnect":  record.AutoReconnect,
		"last_error":      record.LastError,
		"logging_enabled": record.LoggingEnabled,
	}

	switch record.Status {
	case domain.ConnectionConnected:
		fields["connected_at"] = record.At
	case domain.ConnectionDisconnected:
		fields["disconnected_at"] = record.At
	}

	if result.RowsAffected == 0 {
		conn = models.WebSocketConnection{
			SystemID:       record.SystemID,
			Type:           record.Type,
			ReferenceID:    record.ReferenceID,
			Status:         string(record.Status),
			AutoReconnect:  record.AutoReconnect,
			LastError:      record.LastError,
			LoggingEnabled: record.LoggingEnabled,
		}
		if record.Status == domain.ConnectionConnected {
			conn.ConnectedAt = &record.At
		}
		if record.Status == domain.ConnectionDisconnected {
			conn.DisconnectedAt = &record.At
		}

		if err := db.impl.WithContext(ctx).Create(&conn).Error; err != nil {
			return domain.PersistenceError("create connection", err)
		}
		return nil
	}

	if err := db.impl.WithContext(ctx).Model(&conn).Updates(fields).Error; err != nil {
		return domain.PersistenceError("update connection", err)
	}
	return nil
}

func (db *myDB) GetConnections(ctx context.Context, systemID uint) ([]domain.ConnectionRecord, error) {
	rows := []models.WebSocketConnection{}
	result := db.impl.WithContext(ctx).Where("system_id = ?", systemID).Order("reference_id").Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	records := make([]domain.ConnectionRecord, 0, len(rows))
	for _, c := range rows {
		records = append(records, connectionToDomain(c))
	}
	return records, nil
}

func (db *myDB) GetAutoReconnectConnections(ctx context.Context) ([]domain.ConnectionRecord, error) {
	rows := []models.WebSocketConnection{}
	result := db.impl.WithContext(ctx).Where("auto_reconnect = ?", true).Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	records := make([]domain.ConnectionRecord, 0, len(rows))
	for _, c := range rows {
		records = append(records, connectionToDomain(c))
	}
	return records, nil
}

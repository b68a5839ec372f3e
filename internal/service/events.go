package service

import (
	"context"
	"encoding/json"
	"log"

	"payrecon/internal/model"
	"payrecon/internal/repository"

	"gorm.io/gorm"
)

// writeEvent 向发件箱写入事件
// tx 不为空时参与调用方事务（结算/退款事件与状态变更同生共死）；
// tx 为空时尽力而为，失败只记日志 —— 告警丢失不能影响对账
func writeEvent(ctx context.Context, outboxRepo *repository.OutboxRepository, tx *gorm.DB, topic, eventType, key string, payload map[string]interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Event] 编码事件失败: type=%s, key=%s, err=%v", eventType, key, err)
		payloadBytes = []byte("{}")
	}

	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		EventType:  eventType,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}

	if err := outboxRepo.Create(ctx, tx, msg); err != nil {
		if tx != nil {
			return err
		}
		log.Printf("[Event] 写入事件失败（忽略）: type=%s, key=%s, err=%v", eventType, key, err)
	}
	return nil
}

package heartbeat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"readsync/backend/internal/store"
)

const EventNoteCreated = "NOTE_CREATED"

// NoteIndexEvent asks the search service to index one note.
type NoteIndexEvent struct {
	EventType  string    `json:"eventType"`
	NoteID     string    `json:"noteId"`
	OwnerID    string    `json:"ownerId"`
	BookID     string    `json:"bookId"`
	Location   string    `json:"location"`
	Content    string    `json:"content"`
	ConflictOf *string   `json:"conflictOf,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// KafkaIndexer hands new notes to search through a Kafka topic keyed by
// book, so one book's notes stay in order.
type KafkaIndexer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaIndexer(producer sarama.SyncProducer, topic string) *KafkaIndexer {
	return &KafkaIndexer{producer: producer, topic: topic}
}

func (k *KafkaIndexer) IndexNote(ctx context.Context, note store.Annotation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(NoteIndexEvent{
		EventType:  EventNoteCreated,
		NoteID:     note.ID,
		OwnerID:    note.OwnerID,
		BookID:     note.BookID,
		Location:   note.Location,
		Content:    note.Content,
		ConflictOf: note.ConflictOf,
		CreatedAt:  note.CreatedAt,
	})
	if err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(note.BookID),
		Value: sarama.ByteEncoder(b),
	})
	return err
}

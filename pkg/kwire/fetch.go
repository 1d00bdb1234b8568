package kwire

// FetchRequestPartition names a (topic, partition) and where to resume
// fetching from (the queue's next unfetched offset).
type FetchRequestPartition struct {
	Partition   int32
	FetchOffset int64
	MaxBytes    int32
}

type FetchRequestTopic struct {
	Topic      string
	Partitions []FetchRequestPartition
}

// FetchRequest is built from a bundler's ready list for the fetcher task:
// one entry per ready partition, grouped and ordered by topic then
// partition to match the bundler's ordered map.
type FetchRequest struct {
	ReplicaID int32
	MaxWaitMs int32
	MinBytes  int32
	Topics    []FetchRequestTopic
}

func (*FetchRequest) Key() ApiKey            { return ApiFetch }
func (*FetchRequest) ResponseKind() Response { return new(FetchResponse) }

func (r *FetchRequest) AppendTo(dst []byte) []byte {
	dst = appendInt32(dst, r.ReplicaID)
	dst = appendInt32(dst, r.MaxWaitMs)
	dst = appendInt32(dst, r.MinBytes)
	dst = appendArrayLen(dst, len(r.Topics))
	for _, t := range r.Topics {
		dst = appendString(dst, t.Topic)
		dst = appendArrayLen(dst, len(t.Partitions))
		for _, p := range t.Partitions {
			dst = appendInt32(dst, p.Partition)
			dst = appendInt64(dst, p.FetchOffset)
			dst = appendInt32(dst, p.MaxBytes)
		}
	}
	return dst
}

// FetchResponsePartition is the per-partition header the receiver decodes:
// { partition, error_code, end_offset, message_set_size }, plus the raw
// message-set bytes that follow it on the wire (MessageSet here; the
// receiver reads exactly MessageSetSize bytes into a QueueBuffer and hands
// them off for per-record parsing).
type FetchResponsePartition struct {
	Partition      int32
	ErrorCode      int16
	EndOffset      int64 // high watermark
	MessageSetSize int32
	MessageSet     []byte
}

type FetchResponseTopic struct {
	Topic      string
	Partitions []FetchResponsePartition
}

type FetchResponse struct {
	Topics []FetchResponseTopic
}

func (*FetchResponse) Key() ApiKey { return ApiFetch }

func (r *FetchResponse) ReadFrom(src []byte) error {
	d := newDecoder(src)

	nt := d.arrayLen()
	r.Topics = make([]FetchResponseTopic, 0, nt)
	for i := int32(0); i < nt; i++ {
		topic := FetchResponseTopic{Topic: d.str()}
		np := d.arrayLen()
		topic.Partitions = make([]FetchResponsePartition, 0, np)
		for j := int32(0); j < np; j++ {
			part := FetchResponsePartition{
				Partition: d.i32(),
				ErrorCode: d.i16(),
				EndOffset: d.i64(),
			}
			part.MessageSetSize = d.i32()
			part.MessageSet = d.rawBytes(part.MessageSetSize)
			topic.Partitions = append(topic.Partitions, part)
		}
		r.Topics = append(r.Topics, topic)
	}

	return d.done()
}

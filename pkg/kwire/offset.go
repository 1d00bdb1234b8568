package kwire

// OffsetTimeLatest and OffsetTimeEarliest are the two sentinel "timestamps"
// that name the Client API's offset sentinels (-1 latest, -2 earliest);
// the Offset RPC is how a Consumer with one of these sentinels resolves
// it to a concrete starting offset on attach.
const (
	OffsetTimeLatest   int64 = -1
	OffsetTimeEarliest int64 = -2
)

type OffsetRequestPartition struct {
	Partition     int32
	Time          int64
	MaxNumOffsets int32
}

type OffsetRequestTopic struct {
	Topic      string
	Partitions []OffsetRequestPartition
}

type OffsetRequest struct {
	ReplicaID int32
	Topics    []OffsetRequestTopic
}

func (*OffsetRequest) Key() ApiKey            { return ApiOffset }
func (*OffsetRequest) ResponseKind() Response { return new(OffsetResponse) }

func (r *OffsetRequest) AppendTo(dst []byte) []byte {
	dst = appendInt32(dst, r.ReplicaID)
	dst = appendArrayLen(dst, len(r.Topics))
	for _, t := range r.Topics {
		dst = appendString(dst, t.Topic)
		dst = appendArrayLen(dst, len(t.Partitions))
		for _, p := range t.Partitions {
			dst = appendInt32(dst, p.Partition)
			dst = appendInt64(dst, p.Time)
			dst = appendInt32(dst, p.MaxNumOffsets)
		}
	}
	return dst
}

type OffsetResponsePartition struct {
	Partition int32
	ErrorCode int16
	Offsets   []int64
}

type OffsetResponseTopic struct {
	Topic      string
	Partitions []OffsetResponsePartition
}

type OffsetResponse struct {
	Topics []OffsetResponseTopic
}

func (*OffsetResponse) Key() ApiKey { return ApiOffset }

func (r *OffsetResponse) ReadFrom(src []byte) error {
	d := newDecoder(src)

	nt := d.arrayLen()
	r.Topics = make([]OffsetResponseTopic, 0, nt)
	for i := int32(0); i < nt; i++ {
		topic := OffsetResponseTopic{Topic: d.str()}
		np := d.arrayLen()
		topic.Partitions = make([]OffsetResponsePartition, 0, np)
		for j := int32(0); j < np; j++ {
			part := OffsetResponsePartition{
				Partition: d.i32(),
				ErrorCode: d.i16(),
			}
			no := d.arrayLen()
			for k := int32(0); k < no; k++ {
				part.Offsets = append(part.Offsets, d.i64())
			}
			topic.Partitions = append(topic.Partitions, part)
		}
		r.Topics = append(r.Topics, topic)
	}

	return d.done()
}

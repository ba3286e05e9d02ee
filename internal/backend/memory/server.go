// Package memory provides an in-process Spanner-like backend.
//
// Server implements backend.Spanner and backend.SchemaUpdater with sessions,
// read-write, read-only and partitioned DML transactions, sequence number checks,
// the commit mutation limit and schema changes. Faults can be injected per RPC
// to exercise retry paths without a real backend.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/gsqlutils/stmtkind"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// DefaultMutationLimit is the per-commit mutation limit of Cloud Spanner.
const DefaultMutationLimit = 80000

type txnKind int

const (
	txnReadWrite txnKind = iota
	txnReadOnly
	txnPartitionedDML
)

type transaction struct {
	id        string
	session   string
	kind      txnKind
	readTime  time.Time
	lastSeqno int64
	seqnos    map[int64]bool
	work      *schema
	ops       []func(*schema) error
	mutations int
	dmlCount  int
}

// Request is an RPC received by the Server.
type Request struct {
	Method  Method
	Message proto.Message
}

// Server is an in-memory Spanner backend. The zero value is not usable, use New.
type Server struct {
	mu sync.Mutex

	now           func() time.Time
	mutationLimit int
	nonAtomicDDL  bool
	ddlPolls      int

	nextID     int
	sessions   map[string]*sppb.Session
	txns       map[string]*transaction
	db         *schema
	operations map[string]*operation
	faults     map[Method][]*fault
	requests   []Request
	closed     bool
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithMutationLimit sets the per-commit mutation limit.
func WithMutationLimit(n int) Option {
	return func(s *Server) { s.mutationLimit = n }
}

// WithNonAtomicDDL makes schema batches apply statement by statement and keep
// the statements applied before a failure, like Cloud Spanner does.
func WithNonAtomicDDL() Option {
	return func(s *Server) { s.nonAtomicDDL = true }
}

// WithDDLPolls sets how many polls a schema operation takes to finish.
func WithDDLPolls(n int) Option {
	return func(s *Server) { s.ddlPolls = n }
}

// New creates an empty Server.
func New(opts ...Option) *Server {
	s := &Server{
		now:           time.Now,
		mutationLimit: DefaultMutationLimit,
		ddlPolls:      1,
		sessions:      make(map[string]*sppb.Session),
		txns:          make(map[string]*transaction),
		db:            newSchema(),
		operations:    make(map[string]*operation),
		faults:        make(map[Method][]*fault),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// record must be called with s.mu held.
func (s *Server) record(m Method, msg proto.Message) error {
	s.requests = append(s.requests, Request{Method: m, Message: proto.Clone(msg)})
	if s.closed {
		return status.Error(codes.Canceled, "grpc: the client connection is closing")
	}
	return s.takeFault(m)
}

func (s *Server) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s%d", prefix, s.nextID)
}

func (s *Server) session(name string) error {
	if _, ok := s.sessions[name]; !ok {
		return SessionNotFoundStatus(name)
	}
	return nil
}

func (s *Server) CreateSession(ctx context.Context, req *sppb.CreateSessionRequest, _ ...gax.CallOption) (*sppb.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(MethodCreateSession, req); err != nil {
		return nil, err
	}

	session := &sppb.Session{
		Name:        fmt.Sprintf("%s/sessions/%s", req.GetDatabase(), s.id("s")),
		Labels:      req.GetSession().GetLabels(),
		CreatorRole: req.GetSession().GetCreatorRole(),
		CreateTime:  timestamppb.New(s.now()),
	}
	s.sessions[session.GetName()] = session
	return proto.Clone(session).(*sppb.Session), nil
}

func (s *Server) DeleteSession(ctx context.Context, req *sppb.DeleteSessionRequest, _ ...gax.CallOption) error {
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(MethodDeleteSession, req); err != nil {
		return err
	}
	if err := s.session(req.GetName()); err != nil {
		return err
	}
	s.dropSession(req.GetName())
	return nil
}

// dropSession must be called with s.mu held.
func (s *Server) dropSession(name string) {
	delete(s.sessions, name)
	for id, tx := range s.txns {
		if tx.session == name {
			delete(s.txns, id)
		}
	}
}

// ExpireSession forgets a session as if the backend had garbage collected it.
func (s *Server) ExpireSession(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSession(name)
}

// Sessions returns the names of the live sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Server) BeginTransaction(ctx context.Context, req *sppb.BeginTransactionRequest, _ ...gax.CallOption) (*sppb.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(MethodBeginTransaction, req); err != nil {
		return nil, err
	}
	if err := s.session(req.GetSession()); err != nil {
		return nil, err
	}

	tx, err := s.begin(req.GetSession(), req.GetOptions())
	if err != nil {
		return nil, err
	}
	result := &sppb.Transaction{Id: []byte(tx.id)}
	if req.GetOptions().GetReadOnly().GetReturnReadTimestamp() {
		result.ReadTimestamp = timestamppb.New(tx.readTime)
	}
	return result, nil
}

// begin must be called with s.mu held.
func (s *Server) begin(session string, opts *sppb.TransactionOptions) (*transaction, error) {
	tx := &transaction{
		id:       s.id("tx"),
		session:  session,
		readTime: s.now(),
		seqnos:   make(map[int64]bool),
	}
	switch opts.GetMode().(type) {
	case *sppb.TransactionOptions_ReadWrite_:
		tx.kind = txnReadWrite
		tx.work = s.db.clone()
	case *sppb.TransactionOptions_ReadOnly_:
		tx.kind = txnReadOnly
		if ts := readTimestamp(opts.GetReadOnly()); !ts.IsZero() {
			tx.readTime = ts
		}
	case *sppb.TransactionOptions_PartitionedDml_:
		tx.kind = txnPartitionedDML
	default:
		return nil, status.Error(codes.InvalidArgument, "Transaction options must specify a mode")
	}
	s.txns[tx.id] = tx
	return tx, nil
}

func readTimestamp(ro *sppb.TransactionOptions_ReadOnly) time.Time {
	switch {
	case ro.GetReadTimestamp() != nil:
		return ro.GetReadTimestamp().AsTime()
	case ro.GetMinReadTimestamp() != nil:
		return ro.GetMinReadTimestamp().AsTime()
	}
	return time.Time{}
}

// transaction must be called with s.mu held.
func (s *Server) transaction(session string, id []byte) (*transaction, error) {
	tx, ok := s.txns[string(id)]
	if !ok || tx.session != session {
		return nil, status.Errorf(codes.FailedPrecondition, "Transaction %q is not active", string(id))
	}
	return tx, nil
}

func (s *Server) ExecuteSql(ctx context.Context, req *sppb.ExecuteSqlRequest, _ ...gax.CallOption) (*sppb.ResultSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(MethodExecuteSql, req); err != nil {
		return nil, err
	}
	if err := s.session(req.GetSession()); err != nil {
		return nil, err
	}

	kind, err := stmtkind.DetectLexical(req.GetSql())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "Syntax error: %v", err)
	}
	b := binder{params: req.GetParams(), types: req.GetParamTypes()}

	var (
		tx       *transaction
		singleRO *sppb.TransactionOptions_ReadOnly
	)
	switch sel := req.GetTransaction().GetSelector().(type) {
	case nil:
		singleRO = &sppb.TransactionOptions_ReadOnly{TimestampBound: &sppb.TransactionOptions_ReadOnly_Strong{Strong: true}}
	case *sppb.TransactionSelector_SingleUse:
		singleRO = sel.SingleUse.GetReadOnly()
		if singleRO == nil {
			return nil, status.Error(codes.InvalidArgument, "Single-use transactions must be read-only")
		}
	case *sppb.TransactionSelector_Id:
		tx, err = s.transaction(req.GetSession(), sel.Id)
		if err != nil {
			return nil, err
		}
	default:
		return nil, status.Error(codes.Unimplemented, "Inline begin is not supported by the in-memory backend")
	}

	switch {
	case kind.IsQuery():
		db := s.db
		if tx != nil && tx.kind == txnReadWrite {
			db = tx.work
		}
		res, err := query(db, req.GetSql(), b)
		if err != nil {
			return nil, err
		}
		rs := res.resultSet()
		if singleRO.GetReturnReadTimestamp() {
			ts := readTimestamp(singleRO)
			if ts.IsZero() {
				ts = s.now()
			}
			rs.Metadata.Transaction = &sppb.Transaction{ReadTimestamp: timestamppb.New(ts)}
		}
		return rs, nil
	case kind.IsDML():
		if tx == nil || tx.kind == txnReadOnly {
			return nil, status.Error(codes.InvalidArgument, "DML statements can only be performed in a read-write or partitioned-dml transaction")
		}
		if tx.kind == txnPartitionedDML {
			if tx.dmlCount > 0 {
				return nil, status.Error(codes.InvalidArgument, "Partitioned DML transactions can only execute one statement")
			}
			tx.dmlCount++
			res, err := update(s.db, req.GetSql(), b)
			if err != nil {
				return nil, err
			}
			delete(s.txns, tx.id)
			rs := res.resultSet()
			rs.Stats = &sppb.ResultSetStats{RowCount: &sppb.ResultSetStats_RowCountLowerBound{RowCountLowerBound: res.count}}
			return rs, nil
		}
		if err := tx.useSeqno(req.GetSeqno()); err != nil {
			return nil, err
		}
		res, err := tx.apply(req.GetSql(), b)
		if err != nil {
			return nil, err
		}
		rs := res.resultSet()
		rs.Stats = &sppb.ResultSetStats{RowCount: &sppb.ResultSetStats_RowCountExact{RowCountExact: res.count}}
		return rs, nil
	case kind.IsDDL():
		return nil, status.Error(codes.InvalidArgument, "DDL statements must be submitted with UpdateDatabaseDdl")
	default:
		return nil, status.Errorf(codes.Unimplemented, "Unsupported statement kind %v", kind)
	}
}

func (tx *transaction) useSeqno(seqno int64) error {
	if tx.seqnos[seqno] {
		return status.Errorf(codes.InvalidArgument, "Previously received a different request with this seqno. seqno=%d", seqno)
	}
	if seqno <= tx.lastSeqno {
		return status.Errorf(codes.InvalidArgument, "Sequence number %d is not greater than the previous one %d", seqno, tx.lastSeqno)
	}
	tx.seqnos[seqno] = true
	tx.lastSeqno = seqno
	return nil
}

// apply runs a DML statement against the transaction's view and remembers it for commit.
func (tx *transaction) apply(sql string, b binder) (*result, error) {
	res, err := update(tx.work, sql, b)
	if err != nil {
		return nil, err
	}
	tx.dmlCount++
	tx.mutations += res.mutations
	tx.ops = append(tx.ops, func(db *schema) error {
		_, err := update(db, sql, b)
		return err
	})
	return res, nil
}

func (r *result) resultSet() *sppb.ResultSet {
	return &sppb.ResultSet{
		Metadata: &sppb.ResultSetMetadata{RowType: &sppb.StructType{Fields: r.fields}},
		Rows:     r.rows,
	}
}

func (s *Server) ExecuteBatchDml(ctx context.Context, req *sppb.ExecuteBatchDmlRequest, _ ...gax.CallOption) (*sppb.ExecuteBatchDmlResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(MethodExecuteBatchDml, req); err != nil {
		return nil, err
	}
	if err := s.session(req.GetSession()); err != nil {
		return nil, err
	}
	if len(req.GetStatements()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "No statements in batch DML request")
	}

	id := req.GetTransaction().GetId()
	if id == nil {
		return nil, status.Error(codes.InvalidArgument, "Batch DML requires a read-write transaction")
	}
	tx, err := s.transaction(req.GetSession(), id)
	if err != nil {
		return nil, err
	}
	if tx.kind != txnReadWrite {
		return nil, status.Error(codes.InvalidArgument, "Batch DML requires a read-write transaction")
	}
	if err := tx.useSeqno(req.GetSeqno()); err != nil {
		return nil, err
	}

	resp := &sppb.ExecuteBatchDmlResponse{}
	for _, stmt := range req.GetStatements() {
		res, err := tx.apply(stmt.GetSql(), binder{params: stmt.GetParams(), types: stmt.GetParamTypes()})
		if err != nil {
			st, _ := status.FromError(err)
			resp.Status = st.Proto()
			return resp, nil
		}
		rs := res.resultSet()
		rs.Stats = &sppb.ResultSetStats{RowCount: &sppb.ResultSetStats_RowCountExact{RowCountExact: res.count}}
		resp.ResultSets = append(resp.ResultSets, rs)
	}
	resp.Status = status.New(codes.OK, "").Proto()
	return resp, nil
}

func (s *Server) Commit(ctx context.Context, req *sppb.CommitRequest, _ ...gax.CallOption) (*sppb.CommitResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(MethodCommit, req); err != nil {
		if id := req.GetTransactionId(); id != nil {
			delete(s.txns, string(id))
		}
		return nil, err
	}
	if err := s.session(req.GetSession()); err != nil {
		return nil, err
	}

	var tx *transaction
	switch sel := req.GetTransaction().(type) {
	case *sppb.CommitRequest_TransactionId:
		var err error
		tx, err = s.transaction(req.GetSession(), sel.TransactionId)
		if err != nil {
			return nil, err
		}
		if tx.kind != txnReadWrite {
			return nil, status.Error(codes.FailedPrecondition, "Cannot commit a transaction which is not read-write")
		}
		delete(s.txns, tx.id)
	case *sppb.CommitRequest_SingleUseTransaction:
		if sel.SingleUseTransaction.GetReadWrite() == nil {
			return nil, status.Error(codes.InvalidArgument, "Single-use commit requires read-write options")
		}
		tx = &transaction{kind: txnReadWrite}
	default:
		return nil, status.Error(codes.InvalidArgument, "Commit requires a transaction")
	}

	mutations := tx.mutations
	for _, m := range req.GetMutations() {
		mutations += mutationCount(m)
	}
	if mutations > s.mutationLimit {
		return nil, MutationLimitStatus(s.mutationLimit)
	}

	next := s.db.clone()
	for _, op := range tx.ops {
		if err := op(next); err != nil {
			return nil, status.Errorf(codes.Aborted, "Transaction was aborted: conflicting change: %v", status.Convert(err).Message())
		}
	}
	for _, m := range req.GetMutations() {
		if err := applyMutation(next, m); err != nil {
			return nil, err
		}
	}
	s.db = next

	return &sppb.CommitResponse{CommitTimestamp: timestamppb.New(s.now())}, nil
}

func (s *Server) Rollback(ctx context.Context, req *sppb.RollbackRequest, _ ...gax.CallOption) error {
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(MethodRollback, req); err != nil {
		return err
	}
	if err := s.session(req.GetSession()); err != nil {
		return err
	}
	delete(s.txns, string(req.GetTransactionId()))
	return nil
}

// Close makes every later RPC fail.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Requests returns the recorded requests of method m in arrival order.
func (s *Server) Requests(m Method) []proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []proto.Message
	for _, r := range s.requests {
		if r.Method == m {
			msgs = append(msgs, r.Message)
		}
	}
	return msgs
}

// CallCount returns how many times method m was called, failed calls included.
func (s *Server) CallCount(m Method) int {
	return len(s.Requests(m))
}

// Seqnos returns the sequence numbers of the DML requests in arrival order.
func (s *Server) Seqnos() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seqnos []int64
	for _, r := range s.requests {
		switch req := r.Message.(type) {
		case *sppb.ExecuteSqlRequest:
			if stmtkind.IsDMLLexical(req.GetSql()) && req.GetTransaction().GetId() != nil {
				seqnos = append(seqnos, req.GetSeqno())
			}
		case *sppb.ExecuteBatchDmlRequest:
			seqnos = append(seqnos, req.GetSeqno())
		}
	}
	return seqnos
}

// RowCount returns the number of committed rows of table.
func (s *Server) RowCount(table string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.db.table(table)
	if err != nil {
		return 0, err
	}
	return len(t.rows), nil
}

// HasSchemaObject reports whether a table, index, view or sequence named name exists.
func (s *Server) HasSchemaObject(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.nameInUse(name)
}

func mutationCount(m *sppb.Mutation) int {
	switch op := m.GetOperation().(type) {
	case *sppb.Mutation_Insert:
		return len(op.Insert.GetValues()) * len(op.Insert.GetColumns())
	case *sppb.Mutation_Update:
		return len(op.Update.GetValues()) * len(op.Update.GetColumns())
	case *sppb.Mutation_InsertOrUpdate:
		return len(op.InsertOrUpdate.GetValues()) * len(op.InsertOrUpdate.GetColumns())
	case *sppb.Mutation_Replace:
		return len(op.Replace.GetValues()) * len(op.Replace.GetColumns())
	case *sppb.Mutation_Delete_:
		if n := len(op.Delete.GetKeySet().GetKeys()); n > 0 {
			return n
		}
		return 1
	default:
		return 0
	}
}

func applyMutation(db *schema, m *sppb.Mutation) error {
	write := func(w *sppb.Mutation_Write, insert, update bool) error {
		t, err := db.table(w.GetTable())
		if err != nil {
			return err
		}
		for _, values := range w.GetValues() {
			if len(values.GetValues()) != len(w.GetColumns()) {
				return status.Errorf(codes.InvalidArgument, "Mutation for table %s has %d values for %d columns", t.name, len(values.GetValues()), len(w.GetColumns()))
			}
			row := make(map[string]*structpb.Value, len(w.GetColumns()))
			for i, c := range w.GetColumns() {
				v := values.GetValues()[i]
				row[t.addColumn(c, inferType(v))] = v
			}
			key, keyed := t.keyOf(row)
			idx := -1
			if keyed {
				for i, existing := range t.rows {
					if k, _ := t.keyOf(existing); k == key {
						idx = i
						break
					}
				}
			}
			switch {
			case idx >= 0 && !update:
				return status.Errorf(codes.AlreadyExists, "Row [%s] in table %s already exists", key, t.name)
			case idx < 0 && !insert:
				return status.Errorf(codes.NotFound, "Row [%s] in table %s does not exist", key, t.name)
			case idx >= 0:
				for c, v := range row {
					t.rows[idx][c] = v
				}
			default:
				t.rows = append(t.rows, row)
			}
		}
		return nil
	}

	switch op := m.GetOperation().(type) {
	case *sppb.Mutation_Insert:
		return write(op.Insert, true, false)
	case *sppb.Mutation_Update:
		return write(op.Update, false, true)
	case *sppb.Mutation_InsertOrUpdate:
		return write(op.InsertOrUpdate, true, true)
	case *sppb.Mutation_Replace:
		return write(op.Replace, true, true)
	case *sppb.Mutation_Delete_:
		t, err := db.table(op.Delete.GetTable())
		if err != nil {
			return err
		}
		if op.Delete.GetKeySet().GetAll() {
			t.rows = nil
			return nil
		}
		keys := make(map[string]bool)
		for _, k := range op.Delete.GetKeySet().GetKeys() {
			parts := make([]string, 0, len(k.GetValues()))
			for _, v := range k.GetValues() {
				parts = append(parts, valueString(v))
			}
			keys[strings.Join(parts, ",")] = true
		}
		var matched []int
		for i, row := range t.rows {
			if k, ok := t.keyOf(row); ok && keys[k] {
				matched = append(matched, i)
			}
		}
		t.deleteRows(matched)
		return nil
	default:
		return status.Error(codes.InvalidArgument, "Unsupported mutation")
	}
}

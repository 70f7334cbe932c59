// Copyright 2025 James Ross
package adminapi

const openAPISpec = `openapi: 3.0.3
info:
  title: Messaging Core Admin API
  description: Secure admin API for managing the messaging core's bus, worker pool and queues
  version: 1.0.0
  contact:
    name: API Support
  license:
    name: MIT

servers:
  - url: http://localhost:8080/api/v1
    description: Local development server
  - url: https://api.example.com/api/v1
    description: Production server

security:
  - bearerAuth: []

tags:
  - name: stats
    description: Bus and worker pool statistics
  - name: queues
    description: Queue introspection and purge operations
  - name: benchmark
    description: Performance testing

paths:
  /stats:
    get:
      tags:
        - stats
      summary: Get bus and pool statistics
      description: Returns publish/delivery counters, per-queue depth, worker utilization, circuit breaker state, and in-flight job count
      operationId: getStats
      responses:
        '200':
          description: Statistics retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/StatsResponse'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /stats/keys:
    get:
      tags:
        - stats
      summary: Get detailed queue and in-flight job statistics
      description: Returns per-queue depth, the IDs of jobs currently in flight, and circuit breaker state
      operationId: getStatsKeys
      responses:
        '200':
          description: Statistics retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/StatsKeysResponse'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /queues/{queue}/peek:
    get:
      tags:
        - queues
      summary: Peek at queue items
      description: Non-destructively view jobs waiting in a queue. Implemented as a drain-then-requeue over the queue's Enqueue/Dequeue primitives, so the count is an approximation under concurrent worker activity.
      operationId: peekQueue
      parameters:
        - name: queue
          in: path
          required: true
          description: Queue name (main or dead)
          schema:
            type: string
            enum: [main, dead]
        - name: count
          in: query
          description: Number of items to peek (1-100)
          schema:
            type: integer
            minimum: 1
            maximum: 100
            default: 10
      responses:
        '200':
          description: Queue items retrieved successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/PeekResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '404':
          description: Unknown queue name
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/ErrorResponse'
        '429':
          $ref: '#/components/responses/RateLimited'

  /queues/dlq:
    delete:
      tags:
        - queues
      summary: Purge the dead letter queue
      description: Delete all items from the dead letter queue (requires confirmation phrase)
      operationId: purgeDLQ
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/PurgeRequest'
      responses:
        '200':
          description: Dead letter queue purged successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/PurgeResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /queues/all:
    delete:
      tags:
        - queues
      summary: Purge all queues
      description: Delete all items from both the main and dead letter queues (requires double confirmation phrase)
      operationId: purgeAll
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/PurgeRequest'
      responses:
        '200':
          description: All queues purged successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/PurgeResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

  /bench:
    post:
      tags:
        - benchmark
      summary: Run a synthetic load benchmark
      description: Enqueues synthetic jobs directly onto the live main queue and measures throughput and completion latency
      operationId: runBenchmark
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: '#/components/schemas/BenchRequest'
      responses:
        '200':
          description: Benchmark completed successfully
          content:
            application/json:
              schema:
                $ref: '#/components/schemas/BenchResponse'
        '400':
          $ref: '#/components/responses/BadRequest'
        '401':
          $ref: '#/components/responses/Unauthorized'
        '429':
          $ref: '#/components/responses/RateLimited'
        '500':
          $ref: '#/components/responses/InternalError'

components:
  securitySchemes:
    bearerAuth:
      type: http
      scheme: bearer
      bearerFormat: JWT
      description: JWT token for authentication

  responses:
    BadRequest:
      description: Bad request
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

    Unauthorized:
      description: Authentication required
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

    RateLimited:
      description: Rate limit exceeded
      headers:
        X-RateLimit-Limit:
          schema:
            type: integer
          description: Rate limit per minute
        X-RateLimit-Remaining:
          schema:
            type: integer
          description: Remaining requests
        X-RateLimit-Reset:
          schema:
            type: integer
          description: Unix timestamp when limit resets
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

    InternalError:
      description: Internal server error
      content:
        application/json:
          schema:
            $ref: '#/components/schemas/ErrorResponse'

  schemas:
    ErrorResponse:
      type: object
      required:
        - error
        - status
        - timestamp
      properties:
        error:
          type: string
          description: Error message
        code:
          type: string
          description: Error code for programmatic handling
        status:
          type: integer
          description: HTTP status code
        request_id:
          type: string
          description: Request ID echoed from (or generated for) the X-Request-ID header
        timestamp:
          type: string
          format: date-time
        details:
          type: object
          additionalProperties:
            type: string
          description: Additional error details

    StatsResponse:
      type: object
      required:
        - published
        - delivered
        - failed
        - pending_requests
        - queue_depth
        - worker_utilization
        - breaker_state
        - in_flight
        - timestamp
      properties:
        published:
          type: integer
          format: int64
          description: Total containers published to the bus
        delivered:
          type: integer
          format: int64
          description: Total successful subscription deliveries
        failed:
          type: integer
          format: int64
          description: Total failed subscription deliveries
        pending_requests:
          type: integer
          description: Request/response calls currently awaiting a reply
        queue_depth:
          type: object
          additionalProperties:
            type: integer
          description: Pending job count per named queue
        worker_utilization:
          type: number
          format: float
          description: Fraction of bus subscriptions whose circuit breaker is not open
        breaker_state:
          type: string
          enum: [closed, half_open, open]
          description: Worker pool circuit breaker state
        in_flight:
          type: integer
          description: Jobs currently checked out by a worker
        timestamp:
          type: string
          format: date-time
          description: When the stats were collected

    StatsKeysResponse:
      type: object
      required:
        - queue_depth
        - in_flight_jobs
        - breaker_state
        - timestamp
      properties:
        queue_depth:
          type: object
          additionalProperties:
            type: integer
          description: Pending job count per named queue
        in_flight_jobs:
          type: array
          items:
            type: string
          description: IDs of jobs currently checked out by a worker
        breaker_state:
          type: string
          enum: [closed, half_open, open]
          description: Worker pool circuit breaker state
        timestamp:
          type: string
          format: date-time

    PeekResponse:
      type: object
      required:
        - queue
        - items
        - count
        - timestamp
      properties:
        queue:
          type: string
          description: Queue name (main or dead)
        items:
          type: array
          items:
            $ref: '#/components/schemas/JobSummary'
        count:
          type: integer
          description: Number of items returned
        timestamp:
          type: string
          format: date-time

    JobSummary:
      type: object
      required:
        - id
        - name
        - type
        - priority
        - retries
        - created_at
      properties:
        id:
          type: string
        name:
          type: string
        type:
          type: string
          enum: [background, low, normal, high, realtime]
        priority:
          type: integer
        retries:
          type: integer
        created_at:
          type: string
          format: date-time
        trace_id:
          type: string

    PurgeRequest:
      type: object
      required:
        - confirmation
        - reason
      properties:
        confirmation:
          type: string
          description: Confirmation phrase (the configured phrase for DLQ, the phrase suffixed with _ALL for all queues)
        reason:
          type: string
          minLength: 3
          maxLength: 500
          description: Reason for the destructive operation

    PurgeResponse:
      type: object
      required:
        - success
        - message
        - timestamp
      properties:
        success:
          type: boolean
        items_deleted:
          type: integer
          format: int64
          description: Number of jobs deleted
        message:
          type: string
          description: Result message
        timestamp:
          type: string
          format: date-time

    BenchRequest:
      type: object
      required:
        - count
        - priority
      properties:
        count:
          type: integer
          minimum: 1
          maximum: 10000
          description: Number of synthetic jobs to enqueue
        priority:
          type: string
          enum: [high, low]
          description: Job type lane for the synthetic jobs
        rate:
          type: integer
          minimum: 1
          maximum: 1000
          default: 100
          description: Jobs per second enqueue rate
        timeout_seconds:
          type: integer
          minimum: 1
          maximum: 300
          default: 30
          description: Maximum time to wait for completion
        payload_size_bytes:
          type: integer
          minimum: 0
          maximum: 1048576
          description: Accepted but not used; the synthetic jobs carry no payload

    BenchResponse:
      type: object
      required:
        - count
        - duration
        - throughput_jobs_per_sec
        - timestamp
      properties:
        count:
          type: integer
          description: Number of jobs processed
        duration:
          type: integer
          format: int64
          description: Total benchmark duration in nanoseconds
        throughput_jobs_per_sec:
          type: number
          format: float
          description: Jobs processed per second
        p50_latency:
          type: integer
          format: int64
          description: 50th percentile latency in nanoseconds
        p95_latency:
          type: integer
          format: int64
          description: 95th percentile latency in nanoseconds
        timestamp:
          type: string
          format: date-time
`
